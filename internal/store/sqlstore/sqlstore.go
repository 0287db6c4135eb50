// Package sqlstore implements the store contracts on gorm with the pure-Go
// SQLite driver. It backs local runs (STORE_DRIVER=sqlite) and the test
// suites of every package that needs real persistence.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/store"
)

var _ store.Store = (*Store)(nil)

// Open connects to a SQLite database and migrates the schema. A single
// connection is used so in-memory databases stay consistent.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the store uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// Config wires a Store.
type Config struct {
	DB       *gorm.DB
	Clock    func() time.Time
	Location *time.Location // calendar used for "today"
	Timeout  time.Duration  // per call; zero means no extra bound
	Logger   *slog.Logger
}

// Store implements store.Store on gorm.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	loc     *time.Location
	timeout time.Duration
	logger  *slog.Logger
}

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("sqlstore: database is required")
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
		db:      cfg.DB,
		clock:   cfg.Clock,
		loc:     cfg.Location,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return domain.WrapStorage("ping", err)
	}
	return domain.WrapStorage("ping", sqlDB.PingContext(ctx))
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) now() time.Time { return s.clock().UTC() }

func (s *Store) today() string { return domain.Today(s.clock(), s.loc) }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
