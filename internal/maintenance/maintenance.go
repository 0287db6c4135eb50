// Package maintenance holds the housekeeping job: purge slots dated in the
// past, deactivate subscriptions whose window has closed and trim the alert
// ledger. The scheduler drives it on its own ticker.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is what the tasks need from the backend.
type Store interface {
	PurgeExpired(ctx context.Context) (int64, error)
	DeactivateExpired(ctx context.Context) (int64, error)
	CleanupOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Config controls the tasks.
type Config struct {
	Store           Store
	LedgerRetention time.Duration // zero disables ledger cleanup; entries for live slots are always kept
	Clock           func() time.Time
	// AfterCleanup runs when any task removed or changed rows, e.g. to
	// refresh planner statistics. Optional.
	AfterCleanup func(ctx context.Context) error
	Logger       *slog.Logger
}

// DefaultLedgerRetention keeps thirty days of alert history.
const DefaultLedgerRetention = 30 * 24 * time.Hour

// Result counts rows touched by one run.
type Result struct {
	PurgedSlots              int64
	DeactivatedSubscriptions int64
	LedgerRowsDeleted        int64
	Errors                   []string
}

// Summary returns a one-line summary for logging.
func (r Result) Summary() string {
	return fmt.Sprintf("purged_slots=%d deactivated=%d ledger_deleted=%d errors=%d",
		r.PurgedSlots, r.DeactivatedSubscriptions, r.LedgerRowsDeleted, len(r.Errors))
}

func (r Result) changed() bool {
	return r.PurgedSlots+r.DeactivatedSubscriptions+r.LedgerRowsDeleted > 0
}

// Run executes every task. A failing task is recorded and the rest still
// run; the error is non-nil only when every task failed.
func Run(ctx context.Context, cfg Config) (Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	var res Result
	tasks := 0

	tasks++
	if n, err := cfg.Store.PurgeExpired(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("purge expired slots: %v", err))
		logger.Warn("Maintenance: failed to purge expired slots", "error", err)
	} else {
		res.PurgedSlots = n
		if n > 0 {
			logger.Info("Maintenance: purged expired slots", "count", n)
		}
	}

	tasks++
	if n, err := cfg.Store.DeactivateExpired(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("deactivate expired subscriptions: %v", err))
		logger.Warn("Maintenance: failed to deactivate expired subscriptions", "error", err)
	} else {
		res.DeactivatedSubscriptions = n
		if n > 0 {
			logger.Info("Maintenance: deactivated expired subscriptions", "count", n)
		}
	}

	if cfg.LedgerRetention > 0 {
		tasks++
		before := clock().Add(-cfg.LedgerRetention)
		if n, err := cfg.Store.CleanupOlderThan(ctx, before); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("cleanup ledger: %v", err))
			logger.Warn("Maintenance: failed to clean up alert ledger", "error", err)
		} else {
			res.LedgerRowsDeleted = n
			if n > 0 {
				logger.Info("Maintenance: deleted old ledger entries", "count", n, "before", before.Format(time.RFC3339))
			}
		}
	}

	if cfg.AfterCleanup != nil && res.changed() {
		if err := cfg.AfterCleanup(ctx); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("after cleanup: %v", err))
		}
	}

	if len(res.Errors) >= tasks {
		return res, fmt.Errorf("maintenance: all tasks failed: %s", res.Errors[0])
	}
	return res, nil
}
