// Package health builds the stats and liveness reports served by the API and
// the CLI. Every metric is collected on its own: one failing query marks that
// metric unavailable instead of reporting a misleading zero.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/events"
	"github.com/albapepper/slotwatch/internal/metrics"
	"github.com/albapepper/slotwatch/internal/scheduler"
)

// Store is the read side the reporter needs.
type Store interface {
	Ping(ctx context.Context) error
	CountActive(ctx context.Context) (map[domain.TestType]int64, error)
	CountAvailable(ctx context.Context, cutoff time.Time) ([]domain.SlotCount, error)
	CountSentSince(ctx context.Context, since time.Time) (int64, error)
	LastObservedAt(ctx context.Context) (*time.Time, error)
}

// Metric is one reported value. When Available is false Value is meaningless
// and Error says why.
type Metric[T any] struct {
	Available bool   `json:"available"`
	Value     T      `json:"value"`
	Error     string `json:"error,omitempty"`
}

func ok[T any](v T) Metric[T] { return Metric[T]{Available: true, Value: v} }

func failed[T any](err error) Metric[T] { return Metric[T]{Error: err.Error()} }

// SubscriptionCounts is the active-subscription breakdown.
type SubscriptionCounts struct {
	Total  int64                     `json:"total"`
	ByType map[domain.TestType]int64 `json:"by_type"`
}

// SlotCounts is the live-slot breakdown.
type SlotCounts struct {
	Total     int64              `json:"total"`
	Breakdown []domain.SlotCount `json:"breakdown"`
}

// Report is the full stats report.
type Report struct {
	GeneratedAt         time.Time                  `json:"generated_at"`
	ActiveSubscriptions Metric[SubscriptionCounts] `json:"active_subscriptions"`
	AvailableSlots      Metric[SlotCounts]         `json:"available_slots"`
	AlertsSent24h       Metric[int64]              `json:"alerts_sent_24h"`
	LastObservation     Metric[time.Time]          `json:"last_observation"`
	Jobs                []scheduler.Status         `json:"jobs,omitempty"`
}

// Liveness is the cheap health answer.
type Liveness struct {
	Healthy   bool       `json:"healthy"`
	Database  string     `json:"database"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`
}

// Config wires a Reporter.
type Config struct {
	Store           Store
	FreshnessWindow time.Duration
	Timeout         time.Duration // per metric query
	ObserveJob      string        // job whose success marks an observation cycle
	Jobs            func() []scheduler.Status
	Clock           func() time.Time
	Logger          *slog.Logger
}

// Reporter collects stats. Safe for concurrent use.
type Reporter struct {
	store      Store
	freshness  time.Duration
	timeout    time.Duration
	observeJob string
	jobs       func() []scheduler.Status
	clock      func() time.Time
	logger     *slog.Logger

	mu        sync.RWMutex
	lastCycle time.Time
}

// New returns a Reporter.
func New(cfg Config) *Reporter {
	r := &Reporter{
		store:      cfg.Store,
		freshness:  cfg.FreshnessWindow,
		timeout:    cfg.Timeout,
		observeJob: cfg.ObserveJob,
		jobs:       cfg.Jobs,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if r.freshness <= 0 {
		r.freshness = 2 * time.Hour
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Second
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Track subscribes to scheduler transitions and remembers when the observe
// job last succeeded. Unsubscribe with the returned token.
func (r *Reporter) Track(em *events.Emitter[scheduler.Transition]) events.Token {
	return em.Subscribe(func(tr scheduler.Transition) {
		if tr.Job != r.observeJob || tr.From != scheduler.StateRunning || tr.To != scheduler.StateIdle {
			return
		}
		r.RecordCycle(tr.At)
	})
}

// RecordCycle notes a successful observation cycle at t.
func (r *Reporter) RecordCycle(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.lastCycle) {
		r.lastCycle = t
	}
	metrics.LastObservationTimestamp.Set(float64(t.Unix()))
}

func (r *Reporter) cycle() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCycle, !r.lastCycle.IsZero()
}

// Report collects every metric concurrently and refreshes the gauges.
func (r *Reporter) Report(ctx context.Context) Report {
	now := r.clock()
	rep := Report{GeneratedAt: now.UTC()}

	var g errgroup.Group
	g.Go(func() error {
		rep.ActiveSubscriptions = r.activeSubscriptions(ctx)
		return nil
	})
	g.Go(func() error {
		rep.AvailableSlots = r.availableSlots(ctx, now.Add(-r.freshness))
		return nil
	})
	g.Go(func() error {
		rep.AlertsSent24h = r.alertsSent(ctx, now.Add(-24*time.Hour))
		return nil
	})
	g.Go(func() error {
		rep.LastObservation = r.lastObservation(ctx)
		return nil
	})
	_ = g.Wait()

	if r.jobs != nil {
		rep.Jobs = r.jobs()
	}
	return rep
}

func (r *Reporter) activeSubscriptions(ctx context.Context) Metric[SubscriptionCounts] {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	byType, err := r.store.CountActive(ctx)
	if err != nil {
		r.logger.Warn("Stats: active subscriptions unavailable", "error", err)
		return failed[SubscriptionCounts](err)
	}
	var total int64
	for tt, n := range byType {
		total += n
		metrics.ActiveSubscriptions.WithLabelValues(string(tt)).Set(float64(n))
	}
	return ok(SubscriptionCounts{Total: total, ByType: byType})
}

func (r *Reporter) availableSlots(ctx context.Context, cutoff time.Time) Metric[SlotCounts] {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	counts, err := r.store.CountAvailable(ctx, cutoff)
	if err != nil {
		r.logger.Warn("Stats: available slots unavailable", "error", err)
		return failed[SlotCounts](err)
	}
	metrics.AvailableSlots.Reset()
	var total int64
	for _, c := range counts {
		total += c.Count
		metrics.AvailableSlots.WithLabelValues(c.Region, string(c.TestType)).Set(float64(c.Count))
	}
	if counts == nil {
		counts = []domain.SlotCount{}
	}
	return ok(SlotCounts{Total: total, Breakdown: counts})
}

func (r *Reporter) alertsSent(ctx context.Context, since time.Time) Metric[int64] {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.store.CountSentSince(ctx, since)
	if err != nil {
		r.logger.Warn("Stats: alerts sent unavailable", "error", err)
		return failed[int64](err)
	}
	metrics.AlertsSent24h.Set(float64(n))
	return ok(n)
}

// lastObservation prefers the in-process cycle record and falls back to the
// newest slot row, which also covers cycles run by another process.
func (r *Reporter) lastObservation(ctx context.Context) Metric[time.Time] {
	if t, found := r.cycle(); found {
		return ok(t.UTC())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	t, err := r.store.LastObservedAt(ctx)
	if err != nil {
		r.logger.Warn("Stats: last observation unavailable", "error", err)
		return failed[time.Time](err)
	}
	if t == nil {
		return Metric[time.Time]{Error: "no observations recorded"}
	}
	metrics.LastObservationTimestamp.Set(float64(t.Unix()))
	return ok(t.UTC())
}

// Liveness pings the database and reports the last observation cycle.
func (r *Reporter) Liveness(ctx context.Context) Liveness {
	live := Liveness{Healthy: true, Database: "ok", CheckedAt: r.clock().UTC()}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Ping(pctx); err != nil {
		live.Healthy = false
		live.Database = err.Error()
	}

	if m := r.lastObservation(ctx); m.Available {
		t := m.Value
		live.LastCycle = &t
	}
	return live
}
