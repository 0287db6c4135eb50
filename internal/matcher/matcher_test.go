package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/geo"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeSubs struct {
	subs []domain.AlertSubscription
	err  error
}

func (f *fakeSubs) FindMatchingCandidates(_ context.Context, tt domain.TestType, centerID int64) ([]domain.AlertSubscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.AlertSubscription
	for _, s := range f.subs {
		if s.TestType.Covers(tt) && s.WantsCenter(centerID) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeCenters struct {
	centers map[int64]domain.TestCenter
	failFor int64
}

func (f *fakeCenters) Centers(_ context.Context, ids []int64) (map[int64]domain.TestCenter, error) {
	out := make(map[int64]domain.TestCenter)
	for _, id := range ids {
		if id == f.failFor {
			return nil, &domain.StorageError{Op: "load centers", Err: errors.New("connection reset")}
		}
		if c, ok := f.centers[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type fakeLedger struct {
	existing map[string]map[int64]bool
	failFor  string
}

func (f *fakeLedger) ExistingFor(_ context.Context, userID string, slotIDs []int64) (map[int64]bool, error) {
	if userID == f.failFor {
		return nil, &domain.TimeoutError{Op: "check alerts exist", Err: context.DeadlineExceeded}
	}
	out := make(map[int64]bool)
	for _, id := range slotIDs {
		if f.existing[userID][id] {
			out[id] = true
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Builders
// --------------------------------------------------------------------------

func fPtr(v float64) *float64 { return &v }
func sPtr(v string) *string { return &v }

var leeds = domain.TestCenter{ID: 42, Name: "Leeds", Latitude: fPtr(53.8), Longitude: fPtr(-1.55), IsActive: true}

func activeSub(id, user string) domain.AlertSubscription {
	return domain.AlertSubscription{
		ID:       id,
		UserID:   user,
		TestType: domain.TestTypePractical,
		IsActive: true,
		User:     &domain.User{ID: user, IsActive: true, Preferences: domain.DefaultPreferences()},
	}
}

func slot(id int64, date, hhmm string) domain.SlotObservation {
	return domain.SlotObservation{
		ID: id, CenterID: 42, TestType: domain.TestTypePractical,
		Date: date, Time: hhmm, Available: true,
	}
}

func newMatcher(t *testing.T, subs *fakeSubs, centers *fakeCenters, ledger *fakeLedger) *Matcher {
	t.Helper()
	if centers == nil {
		centers = &fakeCenters{centers: map[int64]domain.TestCenter{42: leeds}}
	}
	if ledger == nil {
		ledger = &fakeLedger{}
	}
	m, err := New(Config{
		Subscriptions: subs,
		Centers:       centers,
		Ledger:        ledger,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// --------------------------------------------------------------------------
// Filters
// --------------------------------------------------------------------------

func TestInDateWindow(t *testing.T) {
	january := domain.AlertSubscription{DateFrom: sPtr("2025-01-01"), DateTo: sPtr("2025-01-31")}
	openEnd := domain.AlertSubscription{DateFrom: sPtr("2025-01-10")}
	openStart := domain.AlertSubscription{DateTo: sPtr("2025-01-10")}

	tests := []struct {
		name string
		sub  domain.AlertSubscription
		date string
		want bool
	}{
		{"last day inclusive", january, "2025-01-31", true},
		{"first day inclusive", january, "2025-01-01", true},
		{"day after window", january, "2025-02-01", false},
		{"day before window", january, "2024-12-31", false},
		{"open end far future", openEnd, "2026-06-01", true},
		{"open end before start", openEnd, "2025-01-09", false},
		{"open start far past", openStart, "2024-01-01", true},
		{"no window", domain.AlertSubscription{}, "2030-01-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InDateWindow(tt.sub, tt.date); got != tt.want {
				t.Fatalf("InDateWindow(%s) = %v; want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestInTimeWindows(t *testing.T) {
	morning := domain.AlertSubscription{PreferredTimes: []domain.TimeRange{{Start: "09:00", End: "12:00"}}}
	split := domain.AlertSubscription{PreferredTimes: []domain.TimeRange{
		{Start: "07:00", End: "08:00"}, {Start: "17:30", End: "19:00"},
	}}

	tests := []struct {
		name string
		sub  domain.AlertSubscription
		time string
		want bool
	}{
		{"start inclusive", morning, "09:00", true},
		{"end inclusive", morning, "12:00", true},
		{"one minute late", morning, "12:01", false},
		{"before start", morning, "08:59", false},
		{"second range", split, "18:15", true},
		{"between ranges", split, "12:00", false},
		{"no ranges", domain.AlertSubscription{}, "23:59", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InTimeWindows(tt.sub, tt.time); got != tt.want {
				t.Fatalf("InTimeWindows(%s) = %v; want %v", tt.time, got, tt.want)
			}
		})
	}
}

func TestWithinRadius(t *testing.T) {
	sub := domain.AlertSubscription{Latitude: fPtr(51.5), Longitude: fPtr(-0.12), RadiusMiles: fPtr(10)}
	at := func(miles float64) domain.TestCenter {
		return domain.TestCenter{ID: 1, Latitude: fPtr(51.5 + miles/geo.MilesPerDegreeLatitude), Longitude: fPtr(-0.12)}
	}

	if WithinRadius(sub, at(10.5)) {
		t.Fatal("center 10.5 miles away must be outside a 10 mile radius")
	}
	if !WithinRadius(sub, at(9.9)) {
		t.Fatal("center 9.9 miles away must be inside a 10 mile radius")
	}
	if !WithinRadius(sub, domain.TestCenter{ID: 2}) {
		t.Fatal("center without coordinates skips the radius filter")
	}
	noRadius := sub
	noRadius.RadiusMiles = nil
	if !WithinRadius(noRadius, at(500)) {
		t.Fatal("subscription without radius skips the radius filter")
	}

	owned := noRadius
	owned.User = &domain.User{ID: "alice", Preferences: domain.UserPreferences{DefaultRadiusMiles: 10}}
	if WithinRadius(owned, at(10.5)) {
		t.Fatal("owner default radius must apply when the subscription has none")
	}
	if !WithinRadius(owned, at(9.9)) {
		t.Fatal("center inside the owner default radius must pass")
	}
	owned.RadiusMiles = fPtr(20)
	if !WithinRadius(owned, at(15)) {
		t.Fatal("subscription radius takes precedence over the owner default")
	}
}

// --------------------------------------------------------------------------
// Match
// --------------------------------------------------------------------------

func TestMatch_GroupsSlotsPerSubscription(t *testing.T) {
	sub := activeSub("s1", "alice")
	sub.PreferredTimes = []domain.TimeRange{{Start: "08:00", End: "12:00"}}
	m := newMatcher(t, &fakeSubs{subs: []domain.AlertSubscription{sub}}, nil, nil)

	unavailable := slot(4, "2025-01-20", "09:00")
	unavailable.Available = false
	cands, stats, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{
			slot(1, "2025-01-22", "10:00"),
			slot(2, "2025-01-21", "11:30"),
			slot(3, "2025-01-21", "15:00"), // outside time window
			unavailable,
		},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d; want 1", len(cands))
	}
	got := cands[0]
	if got.Subscription.ID != "s1" || got.Center.Name != "Leeds" {
		t.Fatalf("candidate = %+v", got)
	}
	if len(got.Slots) != 2 || got.Slots[0].ID != 2 || got.Slots[1].ID != 1 {
		t.Fatalf("slots = %+v; want ids [2 1] ordered by date", got.Slots)
	}
	if stats.Slots != 3 || stats.Matched != 2 || stats.Evaluated != 3 {
		t.Fatalf("stats = %s", stats.Summary())
	}
}

func TestMatch_LedgerExcludesAlertedPairs(t *testing.T) {
	ledger := &fakeLedger{existing: map[string]map[int64]bool{"alice": {1: true}}}
	m := newMatcher(t, &fakeSubs{subs: []domain.AlertSubscription{activeSub("s1", "alice")}}, nil, ledger)

	cands, stats, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{slot(1, "2025-01-20", "09:00"), slot(2, "2025-01-20", "10:00")},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 1 || len(cands[0].Slots) != 1 || cands[0].Slots[0].ID != 2 {
		t.Fatalf("candidates = %+v", cands)
	}
	if stats.AlreadyAlerted != 1 {
		t.Fatalf("already alerted = %d; want 1", stats.AlreadyAlerted)
	}
}

func TestMatch_AllAlertedYieldsNothing(t *testing.T) {
	ledger := &fakeLedger{existing: map[string]map[int64]bool{"alice": {1: true}}}
	m := newMatcher(t, &fakeSubs{subs: []domain.AlertSubscription{activeSub("s1", "alice")}}, nil, ledger)

	cands, _, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{slot(1, "2025-01-20", "09:00")},
	})
	if err != nil || len(cands) != 0 {
		t.Fatalf("cands=%v err=%v; want none", cands, err)
	}
}

func TestMatch_LedgerErrorSkipsOnlyThatSubscription(t *testing.T) {
	subs := &fakeSubs{subs: []domain.AlertSubscription{activeSub("s1", "alice"), activeSub("s2", "bob")}}
	m := newMatcher(t, subs, nil, &fakeLedger{failFor: "alice"})

	cands, stats, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{slot(1, "2025-01-20", "09:00")},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 1 || cands[0].Subscription.UserID != "bob" {
		t.Fatalf("candidates = %+v; want bob only", cands)
	}
	if stats.Errors != 1 || len(stats.Errs) != 1 {
		t.Fatalf("errors = %d %v; want 1", stats.Errors, stats.Errs)
	}
}

func TestMatch_SameUserGetsEachSlotOnce(t *testing.T) {
	first := activeSub("s1", "alice")
	second := activeSub("s2", "alice")
	second.TestType = domain.TestTypeBoth
	m := newMatcher(t, &fakeSubs{subs: []domain.AlertSubscription{first, second}}, nil, nil)

	cands, stats, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{slot(1, "2025-01-20", "09:00"), slot(2, "2025-01-21", "09:00")},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 1 || cands[0].Subscription.ID != "s1" || len(cands[0].Slots) != 2 {
		t.Fatalf("candidates = %+v; want s1 with both slots", cands)
	}
	if stats.Duplicates != 2 {
		t.Fatalf("duplicates = %d; want 2", stats.Duplicates)
	}
}

func TestMatch_InactiveSubscriptionOrUserYieldsNothing(t *testing.T) {
	paused := activeSub("s1", "alice")
	paused.IsActive = false
	gone := activeSub("s2", "bob")
	gone.User.IsActive = false
	m := newMatcher(t, &fakeSubs{subs: []domain.AlertSubscription{paused, gone}}, nil, nil)

	cands, _, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{slot(1, "2025-01-20", "09:00")},
	})
	if err != nil || len(cands) != 0 {
		t.Fatalf("cands=%v err=%v; want none", cands, err)
	}
}

func TestMatch_RadiusUsesCenterCoordinates(t *testing.T) {
	near := activeSub("near", "alice")
	near.Latitude, near.Longitude, near.RadiusMiles = fPtr(53.8+9.9/geo.MilesPerDegreeLatitude), fPtr(-1.55), fPtr(10)
	far := activeSub("far", "bob")
	far.Latitude, far.Longitude, far.RadiusMiles = fPtr(53.8+10.5/geo.MilesPerDegreeLatitude), fPtr(-1.55), fPtr(10)
	m := newMatcher(t, &fakeSubs{subs: []domain.AlertSubscription{near, far}}, nil, nil)

	cands, _, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{slot(1, "2025-01-20", "09:00")},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(cands) != 1 || cands[0].Subscription.ID != "near" {
		t.Fatalf("candidates = %+v; want near only", cands)
	}
}

func TestMatch_SubscriptionStoreErrorIsReturned(t *testing.T) {
	m := newMatcher(t, &fakeSubs{err: &domain.StorageError{Op: "find", Err: errors.New("down")}}, nil, nil)

	_, _, err := m.Match(context.Background(), Batch{
		CenterID: 42, TestType: domain.TestTypePractical,
		Slots: []domain.SlotObservation{slot(1, "2025-01-20", "09:00")},
	})
	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v; want StorageError", err)
	}
}

func TestMatch_EmptyBatchIsNoop(t *testing.T) {
	m := newMatcher(t, &fakeSubs{err: errors.New("must not be called")}, nil, nil)
	cands, _, err := m.Match(context.Background(), Batch{CenterID: 42, TestType: domain.TestTypePractical})
	if err != nil || cands != nil {
		t.Fatalf("cands=%v err=%v", cands, err)
	}
}

// --------------------------------------------------------------------------
// MatchAll
// --------------------------------------------------------------------------

func TestMatchAll_ContinuesPastFailingGroup(t *testing.T) {
	sub := activeSub("s1", "alice")
	centers := &fakeCenters{centers: map[int64]domain.TestCenter{42: leeds}, failFor: 7}
	m := newMatcher(t, &fakeSubs{subs: []domain.AlertSubscription{sub}}, centers, nil)

	other := slot(9, "2025-01-20", "09:00")
	other.CenterID = 7
	theory := slot(10, "2025-01-20", "09:00")
	theory.TestType = domain.TestTypeTheory

	cands, stats, err := m.MatchAll(context.Background(), []domain.SlotObservation{
		other, slot(1, "2025-01-20", "09:00"), theory,
	})
	if err == nil {
		t.Fatal("expected joined error from center 7")
	}
	if len(cands) != 1 || cands[0].Center.ID != 42 {
		t.Fatalf("candidates = %+v", cands)
	}
	if stats.Batches != 3 || stats.Errors != 1 {
		t.Fatalf("stats = %s", stats.Summary())
	}
}

func TestGroupBatches_FirstSeenOrder(t *testing.T) {
	a := slot(1, "2025-01-20", "09:00")
	b := slot(2, "2025-01-20", "09:00")
	b.CenterID = 7
	c := slot(3, "2025-01-21", "09:00")

	batches := GroupBatches([]domain.SlotObservation{a, b, c})
	if len(batches) != 2 {
		t.Fatalf("batches = %d; want 2", len(batches))
	}
	if batches[0].CenterID != 42 || len(batches[0].Slots) != 2 || batches[1].CenterID != 7 {
		t.Fatalf("batches = %+v", batches)
	}
}
