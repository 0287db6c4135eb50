package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AnalyzeTables refreshes planner statistics for the tables the cleanup
// tasks shrink. Postgres only; wire it as Config.AfterCleanup.
func AnalyzeTables(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	tables := []string{
		"slot_observations",
		"alert_subscriptions",
		"alert_ledger",
	}

	for _, t := range tables {
		start := time.Now()
		_, err := pool.Exec(ctx, fmt.Sprintf("ANALYZE %s", t))
		dur := time.Since(start).Round(time.Millisecond)

		if err != nil {
			logger.Warn("Failed to analyze table", "table", t, "duration", dur, "error", err)
			return fmt.Errorf("analyze %s: %w", t, err)
		}
		logger.Info("Analyzed table", "table", t, "duration", dur)
	}
	return nil
}
