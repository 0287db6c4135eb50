// Package db provides a pgxpool-based connection pool with prepared statement
// registration, schema migration and health checking.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/slotwatch/internal/config"
)

//go:embed schema.sql
var schema string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepared statements reference the tables, so the schema has to exist
	// before the first pooled connection is set up.
	if err := applySchema(ctx, poolCfg.ConnConfig); err != nil {
		return nil, err
	}

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Migrate applies the embedded schema. New already does this; it is safe to
// run again.
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func applySchema(ctx context.Context, connCfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return fmt.Errorf("connect for schema: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Prepared statement names used by store/postgres on the hot paths.
const (
	StmtHealthCheck        = "health_check"
	StmtFindAvailable      = "slots_find_available"
	StmtUpsertSlot         = "slots_upsert"
	StmtMatchingCandidates = "subscriptions_matching_candidates"
	StmtLedgerExisting     = "ledger_existing_for"
	StmtLedgerRecord       = "ledger_record"
)

// SlotColumns is the select list shared by every slot query.
const SlotColumns = `id, center_id, test_type, to_char(slot_date, 'YYYY-MM-DD'), slot_time,
	available, last_checked, created_at, updated_at`

// SubscriptionColumns is the select list shared by subscription queries that
// join the owner and preferences (aliases s, u, p).
const SubscriptionColumns = `s.id, s.user_id, s.test_type, s.location, s.latitude, s.longitude,
	s.radius_miles, s.preferred_centers::text, to_char(s.date_from, 'YYYY-MM-DD'),
	to_char(s.date_to, 'YYYY-MM-DD'), s.preferred_times::text, s.is_active, s.created_at, s.updated_at,
	u.email, u.push_token, u.is_active,
	COALESCE(p.email_enabled, true), COALESCE(p.push_enabled, true), COALESCE(p.sms_enabled, false),
	COALESCE(p.quiet_hours_start, ''), COALESCE(p.quiet_hours_end, ''),
	COALESCE(p.default_radius_miles, 0), COALESCE(p.frequency, 'immediate')`

// registerPreparedStatements registers the statements the matching and
// dispatch paths run on every sweep.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		StmtHealthCheck: "SELECT 1",

		// Slots: live slots ($1 today, $2 freshness cutoff, optional filters)
		StmtFindAvailable: `SELECT ` + SlotColumns + `
			FROM slot_observations
			WHERE available
			  AND slot_date >= $1::date
			  AND updated_at >= $2
			  AND ($3::text IS NULL OR test_type = $3)
			  AND ($4::bigint[] IS NULL OR center_id = ANY($4))
			  AND ($5::date IS NULL OR slot_date >= $5)
			  AND ($6::date IS NULL OR slot_date <= $6)
			ORDER BY slot_date, slot_time, center_id`,

		// Slots: natural-key upsert
		StmtUpsertSlot: `INSERT INTO slot_observations
			(center_id, test_type, slot_date, slot_time, available, last_checked, created_at, updated_at)
			VALUES ($1, $2, $3::date, $4, $5, $6, $7, $7)
			ON CONFLICT (center_id, test_type, slot_date, slot_time) DO UPDATE
			SET available = EXCLUDED.available,
			    updated_at = EXCLUDED.updated_at,
			    last_checked = EXCLUDED.last_checked
			RETURNING ` + SlotColumns,

		// Subscriptions: coarse matcher pre-filter ($1 slot type, $2 center id)
		StmtMatchingCandidates: `SELECT ` + SubscriptionColumns + `
			FROM alert_subscriptions s
			JOIN users u ON u.id = s.user_id
			LEFT JOIN user_preferences p ON p.user_id = s.user_id
			WHERE s.is_active AND u.is_active
			  AND (s.test_type = $1 OR s.test_type = 'both')
			  AND (jsonb_array_length(s.preferred_centers) = 0
			       OR s.preferred_centers @> jsonb_build_array($2::bigint))
			ORDER BY s.created_at, s.id`,

		// Ledger: de-duplication guard
		StmtLedgerExisting: `SELECT DISTINCT slot_id FROM alert_ledger
			WHERE user_id = $1 AND slot_id = ANY($2::bigint[])`,

		StmtLedgerRecord: `INSERT INTO alert_ledger
			(id, user_id, subscription_id, slot_id, method, message, sent, sent_at, error, attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (user_id, slot_id, method) DO NOTHING`,
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
