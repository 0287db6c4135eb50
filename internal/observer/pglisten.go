package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/albapepper/slotwatch/internal/domain"
)

const (
	// ListenChannel is the NOTIFY channel an external scraper signals on
	// after upserting a center's slots.
	ListenChannel = "slots_observed"

	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Notification is the JSON payload of pg_notify('slots_observed', ...).
type Notification struct {
	CenterID int64           `json:"center_id"`
	TestType domain.TestType `json:"test_type"`
}

// NotificationHandler processes one notification. It runs on the listener
// goroutine, so notifications are handled one at a time.
type NotificationHandler func(ctx context.Context, n Notification)

type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener holds a dedicated connection (not from the pool) listening on
// ListenChannel and reconnects with backoff when it drops.
type Listener struct {
	dbURL   string
	handler NotificationHandler
	logger  *slog.Logger
	connect func(ctx context.Context, url string) (listenConn, error)
	backoff time.Duration

	mu         sync.Mutex
	stopLoop   context.CancelFunc
	cancelRuns context.CancelFunc
	done       chan struct{}
}

// NewListener returns a listener that calls handler for each notification.
func NewListener(dbURL string, handler NotificationHandler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		dbURL:   dbURL,
		handler: handler,
		logger:  logger,
		connect: func(ctx context.Context, url string) (listenConn, error) {
			return pgx.Connect(ctx, url)
		},
		backoff: reconnectBackoff,
	}
}

// Run listens until ctx is cancelled. Intended to be called with `go`.
func (l *Listener) Run(ctx context.Context) {
	l.run(ctx, ctx)
}

// Start runs the listener in the background. Cancelling ctx stops receiving;
// a notification already being handled keeps running until Stop's grace
// expires.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	var loopCtx, runCtx context.Context
	loopCtx, l.stopLoop = context.WithCancel(ctx)
	runCtx, l.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		l.run(loopCtx, runCtx)
	}(l.done)
}

// Stop stops receiving and waits up to grace for the notification in
// flight. It reports whether the listener finished within grace.
func (l *Listener) Stop(grace time.Duration) bool {
	l.mu.Lock()
	stopLoop, cancelRuns, done := l.stopLoop, l.cancelRuns, l.done
	l.mu.Unlock()
	if done == nil {
		return true
	}
	stopLoop()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		cancelRuns()
		return true
	case <-t.C:
		cancelRuns()
		l.logger.Warn("Slot listener stop grace expired, abandoning notification in flight", "grace", grace)
		return false
	}
}

// run receives under ctx and handles under handleCtx.
func (l *Listener) run(ctx, handleCtx context.Context) {
	backoff := l.backoff

	for {
		err := l.listenLoop(ctx, handleCtx)
		if ctx.Err() != nil {
			l.logger.Info("Slot listener stopped (context cancelled)")
			return
		}

		l.logger.Error("Slot listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func (l *Listener) listenLoop(ctx, handleCtx context.Context) error {
	conn, err := l.connect(ctx, l.dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+ListenChannel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", ListenChannel, err)
	}
	l.logger.Info("Slot listener connected", "channel", ListenChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		n, err := ParseNotification(notification.Payload)
		if err != nil {
			l.logger.Warn("Failed to parse slot notification",
				"payload", notification.Payload, "error", err)
			continue
		}

		l.logger.Debug("Slot notification received", "center_id", n.CenterID, "test_type", n.TestType)
		l.handler(handleCtx, n)
	}
}

// ParseNotification decodes and validates a NOTIFY payload.
func ParseNotification(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if n.CenterID <= 0 {
		return Notification{}, fmt.Errorf("%w: center_id must be positive", ErrInvalidPayload)
	}
	if !n.TestType.ValidForSlot() {
		return Notification{}, fmt.Errorf("%w: test_type %q", ErrInvalidPayload, n.TestType)
	}
	return n, nil
}
