// Package app wires the store, matcher, dispatcher, pipeline, scheduler and
// HTTP surface from configuration. Both the long-running process and the
// one-shot CLI commands build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/albapepper/slotwatch/internal/api"
	"github.com/albapepper/slotwatch/internal/api/handler"
	"github.com/albapepper/slotwatch/internal/cache"
	"github.com/albapepper/slotwatch/internal/config"
	"github.com/albapepper/slotwatch/internal/db"
	"github.com/albapepper/slotwatch/internal/health"
	"github.com/albapepper/slotwatch/internal/maintenance"
	"github.com/albapepper/slotwatch/internal/matcher"
	"github.com/albapepper/slotwatch/internal/notifications"
	"github.com/albapepper/slotwatch/internal/observer"
	"github.com/albapepper/slotwatch/internal/pipeline"
	"github.com/albapepper/slotwatch/internal/scheduler"
	"github.com/albapepper/slotwatch/internal/store"
	"github.com/albapepper/slotwatch/internal/store/postgres"
	"github.com/albapepper/slotwatch/internal/store/sqlstore"
)

// Version is reported by the API root and attached to traces.
const Version = "1.0.0"

// Job names.
const (
	JobObserve     = "observe"
	JobAlerts      = "alerts"
	JobMaintenance = "maintenance"
	JobRetry       = "retry"
)

// maxObserveRounds bounds how many Fetch rounds one observe run drains.
const maxObserveRounds = 10

// App holds every wired component.
type App struct {
	Config     *config.Config
	Store      store.Store
	Pool       *db.Pool // nil unless STORE_DRIVER=postgres
	Matcher    *matcher.Matcher
	Dispatcher *notifications.Dispatcher
	Pipeline   *pipeline.Pipeline
	Scheduler  *scheduler.Scheduler
	Reporter   *health.Reporter
	Source     observer.Source   // pull source; nil for none and pglisten
	Listener   *observer.Listener // pglisten only
	Cache      *cache.Cache
	Logger     *slog.Logger

	clock   func() time.Time
	closers []func() error

	// matchMu keeps observe, alerts and listener-driven matching from
	// dispatching concurrently.
	matchMu sync.Mutex
}

// Option adjusts New.
type Option func(*options)

type options struct {
	clock  func() time.Time
	push   notifications.PushSender
	email  notifications.EmailSender
	source observer.Source
}

// WithClock replaces time.Now everywhere.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithSenders replaces the configured push and email senders.
func WithSenders(push notifications.PushSender, email notifications.EmailSender) Option {
	return func(o *options) { o.push, o.email = push, email }
}

// WithSource replaces the configured pull source.
func WithSource(src observer.Source) Option {
	return func(o *options) { o.source = src }
}

// New connects the store and wires every component. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, clock: o.clock}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var err error
	a.Matcher, err = matcher.New(matcher.Config{
		Subscriptions: a.Store,
		Centers:       a.Store,
		Ledger:        a.Store,
		Timeout:       cfg.StoreTimeout,
		Logger:        logger.With("component", "matcher"),
	})
	if err != nil {
		return nil, err
	}

	push, email := o.push, o.email
	if push == nil && email == nil {
		push, email = a.senders()
	}
	a.Dispatcher, err = notifications.New(notifications.Config{
		Ledger:            a.Store,
		Users:             a.Store,
		Slots:             a.Store,
		Push:              push,
		Email:             email,
		Clock:             o.clock,
		Location:          cfg.TimeZone,
		PushBatchSize:     cfg.PushBatchSize,
		PushConcurrency:   cfg.PushConcurrency,
		EmailBatchSize:    cfg.EmailBatchSize,
		EmailBatchDelay:   cfg.EmailBatchDelay,
		EmailBatchRetries: cfg.EmailBatchRetries,
		SendTimeout:       cfg.SendTimeout,
		LedgerTimeout:     cfg.StoreTimeout,
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
		RetryBatchLimit:   cfg.RetryBatchLimit,
		BookingURL:        cfg.BookingURL,
		Logger:            logger.With("component", "notifications"),
	})
	if err != nil {
		return nil, err
	}

	a.Pipeline, err = pipeline.New(pipeline.Config{
		Slots:           a.Store,
		Matcher:         a.Matcher,
		Dispatcher:      a.Dispatcher,
		FreshnessWindow: cfg.FreshnessWindow,
		MaxBatch:        cfg.ObserverMaxBatch,
		Clock:           o.clock,
		Logger:          logger.With("component", "pipeline"),
	})
	if err != nil {
		return nil, err
	}

	a.Source = o.source
	if a.Source == nil {
		if err := a.openSource(); err != nil {
			return nil, err
		}
	}

	a.Scheduler = scheduler.New(scheduler.Config{Clock: o.clock, Logger: logger.With("component", "scheduler")})
	a.Reporter = health.New(health.Config{
		Store:           a.Store,
		FreshnessWindow: cfg.FreshnessWindow,
		Timeout:         cfg.StoreTimeout,
		ObserveJob:      JobObserve,
		Jobs:            a.Scheduler.Snapshot,
		Clock:           o.clock,
		Logger:          logger.With("component", "health"),
	})
	a.Reporter.Track(a.Scheduler.Events())
	if err := a.registerJobs(); err != nil {
		return nil, err
	}

	a.Cache = cache.New(true)
	a.closers = append(a.closers, func() error { a.Cache.Close(); return nil })

	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pool.Migrate(ctx); err != nil {
			return err
		}
		s, err := postgres.New(postgres.Config{
			Pool:     pool,
			Clock:    a.clock,
			Location: cfg.TimeZone,
			Timeout:  cfg.StoreTimeout,
			Logger:   a.Logger.With("component", "store"),
		})
		if err != nil {
			return err
		}
		a.Store = s
		a.Logger.Info("Database connected", "driver", cfg.StoreDriver,
			"min_conns", cfg.DBPoolMinConns, "max_conns", cfg.DBPoolMaxConns)

	case config.DriverSQLite:
		gdb, err := sqlstore.Open(cfg.SQLiteDSN)
		if err != nil {
			return err
		}
		s, err := sqlstore.New(sqlstore.Config{
			DB:       gdb,
			Clock:    a.clock,
			Location: cfg.TimeZone,
			Timeout:  cfg.StoreTimeout,
			Logger:   a.Logger.With("component", "store"),
		})
		if err != nil {
			return err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("Database opened", "driver", cfg.StoreDriver)

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return nil
}

// senders picks Expo and the HTTP email client, or log senders in dry-run
// mode. Email stays off without an API key.
func (a *App) senders() (notifications.PushSender, notifications.EmailSender) {
	cfg := a.Config
	if cfg.NotifyDryRun {
		s := notifications.NewLogSender(a.Logger.With("component", "dry-run"))
		a.Logger.Info("Notification dry run: push and email are logged, not sent")
		return s, s
	}

	push := notifications.NewExpoPushClient(cfg.ExpoPushURL, cfg.ExpoAccessToken, 10, a.Logger)
	if cfg.EmailAPIKey == "" {
		a.Logger.Warn("Email notifications disabled (no EMAIL_API_KEY)")
		return push, nil
	}
	return push, notifications.NewHTTPEmailClient(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, 2, a.Logger)
}

func (a *App) openSource() error {
	cfg := a.Config
	switch cfg.ObserverSource {
	case observer.SourceKafka:
		src, err := observer.NewKafkaSource(observer.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
			Logger:  a.Logger.With("component", "kafka"),
		})
		if err != nil {
			return err
		}
		a.Source = src
	case observer.SourceAMQP:
		src, err := observer.NewAMQPSource(observer.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			Queue:      cfg.AMQPQueue,
			RoutingKey: cfg.AMQPRoutingKey,
			Logger:     a.Logger.With("component", "amqp"),
		})
		if err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
		a.Source = src
	case observer.SourcePGListen:
		a.Listener = observer.NewListener(cfg.DatabaseURL, a.HandleNotification, a.Logger.With("component", "listener"))
		return nil
	default:
		return nil
	}
	a.closers = append(a.closers, a.Source.Close)
	a.Logger.Info("Observation source ready", "source", a.Source.Name())
	return nil
}

// --------------------------------------------------------------------------
// Jobs
// --------------------------------------------------------------------------

func (a *App) registerJobs() error {
	cfg := a.Config
	observeHours := scheduler.BusinessHours{
		Location:         cfg.TimeZone,
		StartHour:        cfg.ObserveStartHour,
		EndHour:          cfg.ObserveEndHour,
		ExcludedWeekdays: cfg.ObserveExcludedDays,
	}
	alertHours := scheduler.BusinessHours{
		Location:  cfg.TimeZone,
		StartHour: cfg.AlertsStartHour,
		EndHour:   cfg.AlertsEndHour,
	}

	jobs := []scheduler.Job{
		{Name: JobAlerts, Interval: cfg.AlertsInterval, Gate: alertHours, Run: a.RunAlerts},
		{Name: JobMaintenance, Interval: cfg.MaintenanceInterval, Run: a.RunMaintenance},
		{Name: JobRetry, Interval: cfg.RetryInterval, Gate: alertHours, Run: a.RunRetry},
	}
	if a.Source != nil {
		jobs = append([]scheduler.Job{
			{Name: JobObserve, Interval: cfg.ObserveInterval, Gate: observeHours, RunOnStart: true, Run: a.RunObserve},
		}, jobs...)
	}
	for _, j := range jobs {
		if err := a.Scheduler.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// RunObserve drains the pull source: fetch, store, match and notify, until
// a round comes back empty.
func (a *App) RunObserve(ctx context.Context) error {
	if a.Source == nil {
		return errors.New("no observation source configured")
	}
	a.matchMu.Lock()
	defer a.matchMu.Unlock()

	var total pipeline.Result
	for round := 0; round < maxObserveRounds; round++ {
		res, err := a.Pipeline.Observe(ctx, a.Source)
		total.Observed += res.Observed
		total.Stored += res.Stored
		total.Notify.Sent += res.Notify.Sent
		total.Notify.Failed += res.Notify.Failed
		if err != nil {
			a.Logger.Error("Observe round failed", "round", round, "error", err)
			return err
		}
		if res.Observed == 0 {
			break
		}
	}
	a.Logger.Info("Observe run complete", "observed", total.Observed, "stored", total.Stored,
		"sent", total.Notify.Sent, "failed", total.Notify.Failed)
	return nil
}

// RunAlerts sweeps live slots and notifies.
func (a *App) RunAlerts(ctx context.Context) error {
	a.matchMu.Lock()
	defer a.matchMu.Unlock()
	_, err := a.Pipeline.Sweep(ctx)
	return err
}

// HandleNotification processes one pglisten notification.
func (a *App) HandleNotification(ctx context.Context, n observer.Notification) {
	a.matchMu.Lock()
	defer a.matchMu.Unlock()
	a.Pipeline.HandleNotification(ctx, n)
}

// RunMaintenance runs the housekeeping tasks.
func (a *App) RunMaintenance(ctx context.Context) error {
	cfg := maintenance.Config{
		Store:           a.Store,
		LedgerRetention: a.Config.LedgerRetention,
		Clock:           a.clock,
		Logger:          a.Logger.With("component", "maintenance"),
	}
	if a.Pool != nil {
		cfg.AfterCleanup = func(ctx context.Context) error {
			return maintenance.AnalyzeTables(ctx, a.Pool.Pool, cfg.Logger)
		}
	}
	res, err := maintenance.Run(ctx, cfg)
	a.Logger.Info("Maintenance complete", "summary", res.Summary())
	return err
}

// RunRetry resends failed ledger entries.
func (a *App) RunRetry(ctx context.Context) error {
	res, err := a.Dispatcher.RetryFailed(ctx, a.Config.RetryAfter)
	if err != nil {
		return err
	}
	a.Logger.Info("Retry complete", "summary", res.Summary())
	return nil
}

// --------------------------------------------------------------------------
// Process lifecycle
// --------------------------------------------------------------------------

// Router builds the HTTP handler.
func (a *App) Router() http.Handler {
	return api.NewRouter(handler.Config{
		Store:           a.Store,
		Reporter:        a.Reporter,
		Cache:           a.Cache,
		FreshnessWindow: a.Config.FreshnessWindow,
		Version:         Version,
		Clock:           a.clock,
		Logger:          a.Logger.With("component", "api"),
	}, a.Config)
}

// Start launches the scheduler and, for pglisten, the listener. They stop
// when ctx is cancelled or Stop is called.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
	if a.Listener != nil {
		a.Listener.Start(ctx)
	}
}

// Stop waits up to the configured grace for running jobs and the
// notification the listener is handling. It reports whether everything
// finished in time.
func (a *App) Stop() bool {
	grace := a.Config.ShutdownGrace
	var wg sync.WaitGroup
	var jobsDone, listenerDone bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		jobsDone = a.Scheduler.Stop(grace)
	}()
	listenerDone = true
	if a.Listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listenerDone = a.Listener.Stop(grace)
		}()
	}
	wg.Wait()

	if !jobsDone || !listenerDone {
		a.Logger.Warn("Work still running after shutdown grace, cancelled", "grace", grace)
		return false
	}
	return true
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
