// Package pipeline runs the core cycle: store observations, match them
// against subscriptions and dispatch notifications.
//
// Three entry points share the same tail:
//   - Ingest: observations in hand (file, broker) → upsert → match → notify.
//   - Sweep: live slots already in the store → match → notify.
//   - ProcessCenter: one (center, test type) an external writer just touched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/matcher"
	"github.com/albapepper/slotwatch/internal/metrics"
	"github.com/albapepper/slotwatch/internal/notifications"
	"github.com/albapepper/slotwatch/internal/observer"
	"github.com/albapepper/slotwatch/internal/store"
)

// SlotStore is the slot side of the backend the pipeline reads and writes.
type SlotStore interface {
	FindAvailable(ctx context.Context, f store.SlotFilter) ([]domain.SlotObservation, error)
	UpsertBatch(ctx context.Context, slots []domain.SlotObservation) ([]domain.SlotObservation, error)
}

// Matcher produces notification candidates.
type Matcher interface {
	Match(ctx context.Context, batch matcher.Batch) ([]matcher.Candidate, matcher.Stats, error)
	MatchAll(ctx context.Context, slots []domain.SlotObservation) ([]matcher.Candidate, matcher.Stats, error)
}

// Dispatcher sends notifications for candidates.
type Dispatcher interface {
	Dispatch(ctx context.Context, cands []matcher.Candidate) notifications.Result
}

// Config wires a Pipeline.
type Config struct {
	Slots           SlotStore
	Matcher         Matcher
	Dispatcher      Dispatcher
	FreshnessWindow time.Duration
	MaxBatch        int // deliveries per Observe call
	Clock           func() time.Time
	Logger          *slog.Logger
}

// Pipeline is safe for concurrent use; the scheduler keeps each entry point
// single-flight.
type Pipeline struct {
	slots      SlotStore
	matcher    Matcher
	dispatcher Dispatcher
	freshness  time.Duration
	maxBatch   int
	clock      func() time.Time
	logger     *slog.Logger
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Slots == nil || cfg.Matcher == nil || cfg.Dispatcher == nil {
		return nil, errors.New("pipeline: slots, matcher and dispatcher are required")
	}
	p := &Pipeline{
		slots:      cfg.Slots,
		matcher:    cfg.Matcher,
		dispatcher: cfg.Dispatcher,
		freshness:  cfg.FreshnessWindow,
		maxBatch:   cfg.MaxBatch,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if p.freshness <= 0 {
		p.freshness = 2 * time.Hour
	}
	if p.maxBatch <= 0 {
		p.maxBatch = 100
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Result summarises one pipeline run.
type Result struct {
	Observed int // observations received
	Invalid  int // observations rejected before storage
	Stored   int // rows upserted
	Unstored int // valid observations lost to upsert failures
	Live     int // live slots handed to the matcher
	Match    matcher.Stats
	Notify   notifications.Result
	Errors   []string
}

// Summary returns a one-line summary for logging.
func (r Result) Summary() string {
	return fmt.Sprintf("observed=%d invalid=%d stored=%d unstored=%d live=%d matched=%d sent=%d failed=%d skipped=%d errors=%d",
		r.Observed, r.Invalid, r.Stored, r.Unstored, r.Live, r.Match.Matched,
		r.Notify.Sent, r.Notify.Failed, r.Notify.Skipped, len(r.Errors))
}

// cutoff is the oldest updated_at still considered live.
func (p *Pipeline) cutoff() time.Time {
	return p.clock().Add(-p.freshness)
}

// --------------------------------------------------------------------------
// Sweep
// --------------------------------------------------------------------------

// Sweep matches every live slot in the store and notifies. Slots already
// alerted are filtered by the ledger check, so repeated sweeps are quiet.
func (p *Pipeline) Sweep(ctx context.Context) (Result, error) {
	var res Result

	live, err := p.slots.FindAvailable(ctx, store.SlotFilter{FreshnessCutoff: p.cutoff()})
	if err != nil {
		return res, fmt.Errorf("find available slots: %w", err)
	}
	res.Live = len(live)
	if len(live) == 0 {
		p.logger.Info("Sweep: no live slots")
		return res, nil
	}

	cands, stats, err := p.matcher.MatchAll(ctx, live)
	res.Match = stats
	res.Errors = append(res.Errors, stats.Errs...)
	p.notify(ctx, &res, cands)

	p.logger.Info("Sweep complete", "summary", res.Summary())
	if err != nil {
		return res, fmt.Errorf("match: %w", err)
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Ingest
// --------------------------------------------------------------------------

// Ingest stores obs, then matches and notifies for the stored rows that are
// available. Invalid observations are dropped and counted. Each center is
// upserted in its own transaction; the returned error joins the failures so
// a broker source can redeliver (the upsert is idempotent).
func (p *Pipeline) Ingest(ctx context.Context, obs []domain.SlotObservation) (Result, error) {
	res := Result{Observed: len(obs)}
	now := p.clock().UTC()

	valid := make([]domain.SlotObservation, 0, len(obs))
	for _, o := range obs {
		if err := domain.ValidateObservation(o); err != nil {
			res.Invalid++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if o.LastChecked.IsZero() {
			o.LastChecked = now
		}
		valid = append(valid, o)
	}
	valid = store.DedupeSlots(valid)
	if len(valid) == 0 {
		return res, nil
	}

	var errs []error
	var stored []domain.SlotObservation
	for _, group := range byCenter(valid) {
		rows, err := p.slots.UpsertBatch(ctx, group)
		if err != nil {
			err = fmt.Errorf("upsert center %d: %w", group[0].CenterID, err)
			errs = append(errs, err)
			res.Unstored += len(group)
			res.Errors = append(res.Errors, err.Error())
			p.logger.Error("Ingest: upsert failed", "center_id", group[0].CenterID, "slots", len(group), "error", err)
			continue
		}
		res.Stored += len(rows)
		stored = append(stored, rows...)
	}

	var live []domain.SlotObservation
	for _, s := range stored {
		if s.Available {
			live = append(live, s)
		}
	}
	res.Live = len(live)

	if len(live) > 0 {
		cands, stats, err := p.matcher.MatchAll(ctx, live)
		res.Match = stats
		res.Errors = append(res.Errors, stats.Errs...)
		if err != nil {
			errs = append(errs, fmt.Errorf("match: %w", err))
		}
		p.notify(ctx, &res, cands)
	}

	p.logger.Info("Ingest complete", "summary", res.Summary())
	return res, errors.Join(errs...)
}

// byCenter splits slots per center in order of first appearance.
func byCenter(slots []domain.SlotObservation) [][]domain.SlotObservation {
	index := make(map[int64]int)
	var out [][]domain.SlotObservation
	for _, s := range slots {
		i, ok := index[s.CenterID]
		if !ok {
			i = len(out)
			index[s.CenterID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], s)
	}
	return out
}

// --------------------------------------------------------------------------
// Observe
// --------------------------------------------------------------------------

// Observe pulls one round of deliveries from src and ingests them together.
// Deliveries are requeued when any observation failed to store and
// acknowledged otherwise; a match failure after a successful upsert does not
// redeliver, the next alert sweep picks those slots up from the store.
func (p *Pipeline) Observe(ctx context.Context, src observer.Source) (Result, error) {
	deliveries, fetchErr := src.Fetch(ctx, p.maxBatch)
	if len(deliveries) == 0 {
		if fetchErr != nil {
			metrics.ObservedBatchesTotal.WithLabelValues(src.Name(), metrics.OutcomeError).Inc()
			return Result{}, fmt.Errorf("fetch from %s: %w", src.Name(), fetchErr)
		}
		return Result{}, nil
	}

	var obs []domain.SlotObservation
	for _, d := range deliveries {
		obs = append(obs, d.Slots...)
	}
	res, err := p.Ingest(ctx, obs)

	requeue := res.Unstored > 0
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	var errs []error
	for _, d := range deliveries {
		var aerr error
		if requeue {
			aerr = d.Nack(ctx, true)
		} else {
			aerr = d.Ack(ctx)
		}
		if aerr != nil {
			errs = append(errs, aerr)
			res.Errors = append(res.Errors, aerr.Error())
		}
		metrics.ObservedBatchesTotal.WithLabelValues(src.Name(), outcome).Inc()
	}

	if fetchErr != nil {
		errs = append(errs, fmt.Errorf("fetch from %s: %w", src.Name(), fetchErr))
	}
	if err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// --------------------------------------------------------------------------
// ProcessCenter
// --------------------------------------------------------------------------

// ProcessCenter matches the live slots of one (center, test type) and
// notifies. It serves change notifications from an external writer.
func (p *Pipeline) ProcessCenter(ctx context.Context, centerID int64, testType domain.TestType) (Result, error) {
	var res Result

	live, err := p.slots.FindAvailable(ctx, store.SlotFilter{
		TestType:        testType,
		CenterIDs:       []int64{centerID},
		FreshnessCutoff: p.cutoff(),
	})
	if err != nil {
		return res, fmt.Errorf("find available slots for center %d: %w", centerID, err)
	}
	res.Live = len(live)
	if len(live) == 0 {
		return res, nil
	}

	cands, stats, err := p.matcher.Match(ctx, matcher.Batch{CenterID: centerID, TestType: testType, Slots: live})
	res.Match = stats
	res.Errors = append(res.Errors, stats.Errs...)
	if err != nil {
		return res, fmt.Errorf("match center %d: %w", centerID, err)
	}
	p.notify(ctx, &res, cands)

	p.logger.Info("Center processed", "center_id", centerID, "test_type", testType, "summary", res.Summary())
	return res, nil
}

// HandleNotification adapts ProcessCenter to the Postgres listener.
func (p *Pipeline) HandleNotification(ctx context.Context, n observer.Notification) {
	if _, err := p.ProcessCenter(ctx, n.CenterID, n.TestType); err != nil {
		p.logger.Error("Processing slot notification failed", "center_id", n.CenterID, "test_type", n.TestType, "error", err)
	}
}

func (p *Pipeline) notify(ctx context.Context, res *Result, cands []matcher.Candidate) {
	if len(cands) == 0 {
		return
	}
	res.Notify = p.dispatcher.Dispatch(ctx, cands)
	res.Errors = append(res.Errors, res.Notify.Errors...)
}
