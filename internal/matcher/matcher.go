// Package matcher turns freshly observed slots into notification candidates.
// It reads subscriptions, centers and the alert ledger but never writes:
// ledger entries are recorded by the dispatcher after a provider answers.
package matcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/geo"
	"github.com/albapepper/slotwatch/internal/metrics"
)

// SubscriptionSource is the coarse pre-filter.
type SubscriptionSource interface {
	FindMatchingCandidates(ctx context.Context, testType domain.TestType, centerID int64) ([]domain.AlertSubscription, error)
}

// CenterSource resolves test centers for the radius filter and messages.
type CenterSource interface {
	Centers(ctx context.Context, ids []int64) (map[int64]domain.TestCenter, error)
}

// LedgerChecker reports which (user, slot) pairs were already alerted.
type LedgerChecker interface {
	ExistingFor(ctx context.Context, userID string, slotIDs []int64) (map[int64]bool, error)
}

// Config wires a Matcher.
type Config struct {
	Subscriptions SubscriptionSource
	Centers       CenterSource
	Ledger        LedgerChecker
	Timeout       time.Duration // per store call
	Logger        *slog.Logger
}

// Matcher is stateless between calls and safe for concurrent use.
type Matcher struct {
	subs    SubscriptionSource
	centers CenterSource
	ledger  LedgerChecker
	timeout time.Duration
	logger  *slog.Logger
}

// New validates cfg and returns a Matcher.
func New(cfg Config) (*Matcher, error) {
	if cfg.Subscriptions == nil || cfg.Centers == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("matcher: subscriptions, centers and ledger are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Matcher{
		subs:    cfg.Subscriptions,
		centers: cfg.Centers,
		ledger:  cfg.Ledger,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Batch is a set of observed slots for one (center, test type).
type Batch struct {
	CenterID int64
	TestType domain.TestType
	Slots    []domain.SlotObservation
}

// Candidate groups every new slot one subscription should hear about, so a
// single notification can summarise them.
type Candidate struct {
	Subscription domain.AlertSubscription
	Center       domain.TestCenter
	Slots        []domain.SlotObservation // ordered by date then time
}

// Stats counts what one Match or MatchAll call did.
type Stats struct {
	Batches        int
	Slots          int // live slots considered
	Subscriptions  int // coarse candidates loaded
	Evaluated      int // subscription x slot pairs run through the filters
	Matched        int // pairs handed to the dispatcher
	AlreadyAlerted int // pairs dropped by the ledger check
	Duplicates     int // pairs dropped because another subscription of the same user took them
	Errors         int
	Errs           []string
}

// Summary returns a one-line summary for logging.
func (s Stats) Summary() string {
	return fmt.Sprintf("batches=%d slots=%d subscriptions=%d evaluated=%d matched=%d already_alerted=%d duplicates=%d errors=%d",
		s.Batches, s.Slots, s.Subscriptions, s.Evaluated, s.Matched, s.AlreadyAlerted, s.Duplicates, s.Errors)
}

func (s *Stats) add(o Stats) {
	s.Batches += o.Batches
	s.Slots += o.Slots
	s.Subscriptions += o.Subscriptions
	s.Evaluated += o.Evaluated
	s.Matched += o.Matched
	s.AlreadyAlerted += o.AlreadyAlerted
	s.Duplicates += o.Duplicates
	s.Errors += o.Errors
	s.Errs = append(s.Errs, o.Errs...)
}

func (s *Stats) fail(msg string) {
	s.Errors++
	s.Errs = append(s.Errs, msg)
}

// Match finds the subscriptions interested in batch and removes pairs the
// ledger already holds. Failures loading the batch's subscriptions or
// center are returned; a failing ledger check only skips that subscription.
func (m *Matcher) Match(ctx context.Context, batch Batch) ([]Candidate, Stats, error) {
	stats := Stats{Batches: 1}

	live := make([]domain.SlotObservation, 0, len(batch.Slots))
	for _, sl := range batch.Slots {
		if !sl.Available || sl.ID == 0 || sl.CenterID != batch.CenterID || sl.TestType != batch.TestType {
			continue
		}
		live = append(live, sl)
	}
	if len(live) == 0 {
		return nil, stats, nil
	}
	slices.SortStableFunc(live, func(a, b domain.SlotObservation) int {
		return cmp.Or(cmp.Compare(a.Date, b.Date), cmp.Compare(a.Time, b.Time))
	})
	stats.Slots = len(live)

	subs, err := m.findCandidates(ctx, batch)
	if err != nil {
		return nil, stats, fmt.Errorf("find candidates for center %d %s: %w", batch.CenterID, batch.TestType, err)
	}
	stats.Subscriptions = len(subs)
	if len(subs) == 0 {
		return nil, stats, nil
	}

	center, err := m.center(ctx, batch.CenterID)
	if err != nil {
		return nil, stats, fmt.Errorf("load center %d: %w", batch.CenterID, err)
	}

	// claimed tracks pairs already assigned to a user within this call.
	claimed := make(map[string]map[int64]bool)
	var out []Candidate
	for _, sub := range subs {
		if !sub.IsActive || (sub.User != nil && !sub.User.IsActive) {
			continue
		}

		var matched []domain.SlotObservation
		for _, sl := range live {
			stats.Evaluated++
			if Matches(sub, center, sl) {
				matched = append(matched, sl)
			}
		}
		if len(matched) == 0 {
			continue
		}

		fresh, err := m.unalerted(ctx, sub.UserID, matched)
		if err != nil {
			stats.fail(fmt.Sprintf("subscription %s: %v", sub.ID, err))
			m.logger.Warn("Ledger check failed, skipping subscription",
				"subscription_id", sub.ID, "user_id", sub.UserID, "error", err)
			continue
		}
		stats.AlreadyAlerted += len(matched) - len(fresh)

		if claimed[sub.UserID] == nil {
			claimed[sub.UserID] = make(map[int64]bool)
		}
		slots := fresh[:0]
		for _, sl := range fresh {
			if claimed[sub.UserID][sl.ID] {
				stats.Duplicates++
				continue
			}
			claimed[sub.UserID][sl.ID] = true
			slots = append(slots, sl)
		}
		if len(slots) == 0 {
			continue
		}

		stats.Matched += len(slots)
		out = append(out, Candidate{Subscription: sub, Center: center, Slots: slots})
	}

	metrics.MatchCandidatesTotal.Add(float64(stats.Matched))
	return out, stats, nil
}

// MatchAll groups arbitrary slots by (center, test type) and matches each
// group. A failing group is counted and the rest still run; the joined group
// errors are returned alongside the candidates that were found.
func (m *Matcher) MatchAll(ctx context.Context, slots []domain.SlotObservation) ([]Candidate, Stats, error) {
	var total Stats
	var out []Candidate
	var errs []error

	for _, batch := range GroupBatches(slots) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		cands, stats, err := m.Match(ctx, batch)
		total.add(stats)
		if err != nil {
			total.fail(err.Error())
			errs = append(errs, err)
			m.logger.Error("Match batch failed", "center_id", batch.CenterID, "test_type", batch.TestType, "error", err)
			continue
		}
		out = append(out, cands...)
	}
	return out, total, errors.Join(errs...)
}

// GroupBatches splits slots into per-(center, test type) batches in order of
// first appearance.
func GroupBatches(slots []domain.SlotObservation) []Batch {
	type key struct {
		center   int64
		testType domain.TestType
	}
	index := make(map[key]int)
	var out []Batch
	for _, sl := range slots {
		k := key{sl.CenterID, sl.TestType}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, Batch{CenterID: sl.CenterID, TestType: sl.TestType})
		}
		out[i].Slots = append(out[i].Slots, sl)
	}
	return out
}

func (m *Matcher) findCandidates(ctx context.Context, batch Batch) ([]domain.AlertSubscription, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.subs.FindMatchingCandidates(ctx, batch.TestType, batch.CenterID)
}

// center returns the batch's center. An unknown center yields a bare record
// without coordinates, which disables the radius filter for it.
func (m *Matcher) center(ctx context.Context, id int64) (domain.TestCenter, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	centers, err := m.centers.Centers(ctx, []int64{id})
	if err != nil {
		return domain.TestCenter{}, err
	}
	c, ok := centers[id]
	if !ok {
		m.logger.Warn("Unknown test center, radius filter disabled", "center_id", id)
		return domain.TestCenter{ID: id}, nil
	}
	return c, nil
}

func (m *Matcher) unalerted(ctx context.Context, userID string, slots []domain.SlotObservation) ([]domain.SlotObservation, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	ids := make([]int64, len(slots))
	for i, sl := range slots {
		ids[i] = sl.ID
	}
	existing, err := m.ledger.ExistingFor(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SlotObservation, 0, len(slots))
	for _, sl := range slots {
		if !existing[sl.ID] {
			out = append(out, sl)
		}
	}
	return out, nil
}

func (m *Matcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// --------------------------------------------------------------------------
// Filters
// --------------------------------------------------------------------------

// Matches applies the full filter chain to one pair, short-circuiting on the
// first failure: type and center, date window, time windows, radius.
func Matches(sub domain.AlertSubscription, center domain.TestCenter, slot domain.SlotObservation) bool {
	return sub.TestType.Covers(slot.TestType) &&
		sub.WantsCenter(slot.CenterID) &&
		InDateWindow(sub, slot.Date) &&
		InTimeWindows(sub, slot.Time) &&
		WithinRadius(sub, center)
}

// InDateWindow reports whether date lies in [DateFrom, DateTo]. An unset
// bound is open on that side.
func InDateWindow(sub domain.AlertSubscription, date string) bool {
	if sub.DateFrom != nil && date < *sub.DateFrom {
		return false
	}
	if sub.DateTo != nil && date > *sub.DateTo {
		return false
	}
	return true
}

// InTimeWindows reports whether hhmm falls in any preferred range. No ranges
// means any time.
func InTimeWindows(sub domain.AlertSubscription, hhmm string) bool {
	if len(sub.PreferredTimes) == 0 {
		return true
	}
	for _, r := range sub.PreferredTimes {
		if r.Contains(hhmm) {
			return true
		}
	}
	return false
}

// WithinRadius reports whether center is within the subscription's radius,
// falling back to the owner's default radius. When the subscription or the
// center lacks coordinates, or no radius is set anywhere, the filter passes.
func WithinRadius(sub domain.AlertSubscription, center domain.TestCenter) bool {
	if !sub.HasRadius() || !center.HasCoordinates() {
		return true
	}
	radius, _ := sub.Radius()
	d := geo.DistanceMiles(*sub.Latitude, *sub.Longitude, *center.Latitude, *center.Longitude)
	return d <= radius
}
