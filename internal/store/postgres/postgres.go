// Package postgres implements the store contracts on pgx. Hot-path queries
// use the prepared statements registered by internal/db; the rest are inline.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/slotwatch/internal/db"
	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/store"
)

var _ store.Store = (*Store)(nil)

// Config wires a Store.
type Config struct {
	Pool     *db.Pool
	Clock    func() time.Time
	Location *time.Location // calendar used for "today"
	Timeout  time.Duration  // per call; zero means no extra bound
	Logger   *slog.Logger
}

// Store implements store.Store on a pgx pool.
type Store struct {
	pool    *db.Pool
	clock   func() time.Time
	loc     *time.Location
	timeout time.Duration
	logger  *slog.Logger
}

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("postgres store: pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		pool:    cfg.Pool,
		clock:   cfg.Clock,
		loc:     cfg.Location,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Ping runs the health_check statement.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return domain.WrapStorage("ping", s.pool.HealthCheck(ctx))
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) now() time.Time { return s.clock().UTC() }

func (s *Store) today() string { return domain.Today(s.clock(), s.loc) }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFound maps pgx.ErrNoRows to domain.ErrNotFound and wraps the rest.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return domain.WrapStorage(op, err)
}

// nilEmpty converts empty strings to nil for nullable columns.
func nilEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIDs(ids []int64) any {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
