package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/matcher"
	"github.com/albapepper/slotwatch/internal/metrics"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type ledgerKey struct {
	user   string
	slot   int64
	method domain.NotificationMethod
}

type fakeLedger struct {
	mu       sync.Mutex
	entries  []domain.AlertLedgerEntry
	seen     map[ledgerKey]bool
	failed   []domain.AlertLedgerEntry
	retried  map[string]retryMark
	recordFn func(e *domain.AlertLedgerEntry) error
}

type retryMark struct {
	sent bool
	err  string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: make(map[ledgerKey]bool), retried: make(map[string]retryMark)}
}

func (l *fakeLedger) Record(ctx context.Context, e *domain.AlertLedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapStorage("record alert", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordFn != nil {
		if err := l.recordFn(e); err != nil {
			return err
		}
	}
	k := ledgerKey{e.UserID, e.SlotID, e.Method}
	if l.seen[k] {
		return domain.ErrAlreadyRecorded
	}
	l.seen[k] = true
	l.entries = append(l.entries, *e)
	return nil
}

func (l *fakeLedger) RetryCandidates(context.Context, time.Time, int, int) ([]domain.AlertLedgerEntry, error) {
	return l.failed, nil
}

func (l *fakeLedger) MarkRetried(ctx context.Context, id string, sent bool, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapStorage("mark retried", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retried[id] = retryMark{sent, errMsg}
	return nil
}

func (l *fakeLedger) byMethod(m domain.NotificationMethod) []domain.AlertLedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.AlertLedgerEntry
	for _, e := range l.entries {
		if e.Method == m {
			out = append(out, e)
		}
	}
	return out
}

type fakePush struct {
	mu      sync.Mutex
	batches [][]PushMessage
	fn      func(ctx context.Context, msgs []PushMessage) (BulkResult, error)
}

func (p *fakePush) SendBulk(ctx context.Context, msgs []PushMessage) (BulkResult, error) {
	p.mu.Lock()
	p.batches = append(p.batches, msgs)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, msgs)
	}
	return okTickets(len(msgs)), nil
}

func okTickets(n int) BulkResult {
	res := BulkResult{Tickets: make([]PushTicket, n)}
	for i := range res.Tickets {
		res.Tickets[i] = PushTicket{Status: "ok", ID: fmt.Sprintf("ticket-%d", i)}
	}
	return res
}

type fakeEmail struct {
	mu    sync.Mutex
	calls int
	sent  []EmailMessage
	fn    func(call int, msg EmailMessage) error
}

func (e *fakeEmail) Send(_ context.Context, msg EmailMessage) (SendResult, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	if e.fn != nil {
		if err := e.fn(call, msg); err != nil {
			return SendResult{}, err
		}
	}
	e.mu.Lock()
	e.sent = append(e.sent, msg)
	e.mu.Unlock()
	return SendResult{ID: "email-1"}, nil
}

type fakeLookup struct {
	slots   map[int64]domain.SlotObservation
	centers map[int64]domain.TestCenter
	users   map[string]domain.User
}

func (f *fakeLookup) SlotsByID(_ context.Context, ids []int64) (map[int64]domain.SlotObservation, error) {
	out := make(map[int64]domain.SlotObservation)
	for _, id := range ids {
		if s, ok := f.slots[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeLookup) Centers(_ context.Context, ids []int64) (map[int64]domain.TestCenter, error) {
	return f.centers, nil
}

func (f *fakeLookup) GetUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

// --------------------------------------------------------------------------
// Builders
// --------------------------------------------------------------------------

var noon = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func testUser(id string) *domain.User {
	return &domain.User{
		ID:          id,
		Email:       id + "@example.com",
		PushToken:   "tok-" + id,
		IsActive:    true,
		Preferences: domain.DefaultPreferences(),
	}
}

func testSlots(ids ...int64) []domain.SlotObservation {
	out := make([]domain.SlotObservation, len(ids))
	for i, id := range ids {
		out[i] = domain.SlotObservation{
			ID:        id,
			CenterID:  42,
			TestType:  domain.TestTypePractical,
			Date:      "2025-01-31",
			Time:      fmt.Sprintf("%02d:00", 9+i),
			Available: true,
		}
	}
	return out
}

func candidate(user *domain.User, slots ...domain.SlotObservation) matcher.Candidate {
	return matcher.Candidate{
		Subscription: domain.AlertSubscription{
			ID:       "sub-" + user.ID,
			UserID:   user.ID,
			TestType: domain.TestTypePractical,
			IsActive: true,
			User:     user,
		},
		Center: domain.TestCenter{ID: 42, Name: "Leeds"},
		Slots:  slots,
	}
}

func newDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = fixedClock(noon)
	}
	if cfg.EmailBatchDelay == 0 {
		cfg.EmailBatchDelay = -1
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

func TestNew_RequiresLedger(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without ledger")
	}
	if _, err := New(Config{Ledger: newFakeLedger(), PushBatchSize: 101}); err == nil {
		t.Fatal("expected error for oversized push batch")
	}
}

func TestDispatch_PushAndEmail(t *testing.T) {
	ledger := newFakeLedger()
	push, email := &fakePush{}, &fakeEmail{}
	d := newDispatcher(t, Config{Ledger: ledger, Push: push, Email: email})

	before := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("push", metrics.OutcomeSent))
	res := d.Dispatch(context.Background(), []matcher.Candidate{candidate(testUser("alice"), testSlots(1, 2)...)})

	if res.Sent != 2 || res.Failed != 0 || res.Skipped != 0 {
		t.Fatalf("result = %s", res.Summary())
	}
	if res.LedgerWrites != 4 {
		t.Fatalf("ledger writes = %d, want 4 (2 slots x 2 channels)", res.LedgerWrites)
	}
	for _, m := range []domain.NotificationMethod{domain.MethodPush, domain.MethodEmail} {
		entries := ledger.byMethod(m)
		if len(entries) != 2 {
			t.Fatalf("%s entries = %d", m, len(entries))
		}
		for _, e := range entries {
			if !e.Sent || e.SentAt == nil || e.Error != "" || e.SubscriptionID != "sub-alice" {
				t.Fatalf("%s entry = %+v", m, e)
			}
		}
	}
	if len(push.batches) != 1 || push.batches[0][0].To != "tok-alice" {
		t.Fatalf("push batches = %+v", push.batches)
	}
	if len(email.sent) != 1 || email.sent[0].To != "alice@example.com" {
		t.Fatalf("emails = %+v", email.sent)
	}
	after := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("push", metrics.OutcomeSent))
	if after-before != 1 {
		t.Fatalf("push sent metric delta = %v", after-before)
	}
}

func TestDispatch_QuietHoursSkipsPushOnly(t *testing.T) {
	ledger := newFakeLedger()
	push, email := &fakePush{}, &fakeEmail{}
	london, _ := time.LoadLocation("Europe/London")
	d := newDispatcher(t, Config{
		Ledger:   ledger,
		Push:     push,
		Email:    email,
		Location: london,
		Clock:    fixedClock(time.Date(2025, 1, 20, 23, 15, 0, 0, time.UTC)),
	})

	u := testUser("bob")
	u.Preferences.QuietHoursStart = "22:00"
	u.Preferences.QuietHoursEnd = "07:00"
	res := d.Dispatch(context.Background(), []matcher.Candidate{candidate(u, testSlots(5)...)})

	if res.Sent != 1 || res.Skipped != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
	if len(push.batches) != 0 {
		t.Fatal("push sent during quiet hours")
	}
	if len(ledger.byMethod(domain.MethodPush)) != 0 || len(ledger.byMethod(domain.MethodEmail)) != 1 {
		t.Fatalf("ledger = %+v", ledger.entries)
	}
}

func TestDispatch_NoChannelsIsSkipped(t *testing.T) {
	ledger := newFakeLedger()
	d := newDispatcher(t, Config{Ledger: ledger, Push: &fakePush{}, Email: &fakeEmail{}})

	u := testUser("carol")
	u.Preferences.PushEnabled = false
	u.Email = ""
	res := d.Dispatch(context.Background(), []matcher.Candidate{candidate(u, testSlots(1)...)})
	if res.Skipped != 1 || res.Sent != 0 || len(ledger.entries) != 0 {
		t.Fatalf("result = %s, ledger = %d", res.Summary(), len(ledger.entries))
	}
}

func TestDispatch_PartialPushBatchFailure(t *testing.T) {
	ledger := newFakeLedger()
	push := &fakePush{fn: func(_ context.Context, msgs []PushMessage) (BulkResult, error) {
		if msgs[0].To == "tok-u2" {
			return BulkResult{}, &domain.ProviderError{Provider: "expo", Err: errors.New("returned 502"), Retryable: true}
		}
		return okTickets(len(msgs)), nil
	}}
	d := newDispatcher(t, Config{Ledger: ledger, Push: push, PushBatchSize: 2, PushConcurrency: 2})

	var cands []matcher.Candidate
	for i := range 5 {
		u := testUser(fmt.Sprintf("u%d", i))
		u.Email = ""
		cands = append(cands, candidate(u, testSlots(int64(i+1))...))
	}
	res := d.Dispatch(context.Background(), cands)

	if res.Sent != 3 || res.Failed != 2 {
		t.Fatalf("result = %s", res.Summary())
	}
	if len(push.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(push.batches))
	}
	for _, e := range ledger.byMethod(domain.MethodPush) {
		failing := e.UserID == "u2" || e.UserID == "u3"
		if e.Sent == failing {
			t.Fatalf("entry for %s sent=%v", e.UserID, e.Sent)
		}
		if failing && !strings.Contains(e.Error, "502") {
			t.Fatalf("error text = %q", e.Error)
		}
	}
}

func TestDispatch_RejectedTicketFailsOneMessage(t *testing.T) {
	ledger := newFakeLedger()
	push := &fakePush{fn: func(_ context.Context, msgs []PushMessage) (BulkResult, error) {
		res := okTickets(len(msgs))
		res.Tickets[1] = PushTicket{Status: "error", Message: "not a registered push token"}
		res.Tickets[1].Details.Error = "DeviceNotRegistered"
		return res, nil
	}}
	d := newDispatcher(t, Config{Ledger: ledger, Push: push})

	a, b := testUser("a"), testUser("b")
	a.Email, b.Email = "", ""
	res := d.Dispatch(context.Background(), []matcher.Candidate{
		candidate(a, testSlots(1)...),
		candidate(b, testSlots(2)...),
	})
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
	for _, e := range ledger.entries {
		if e.UserID == "b" && (e.Sent || !strings.Contains(e.Error, "DeviceNotRegistered")) {
			t.Fatalf("entry = %+v", e)
		}
	}
}

func TestDispatch_EmailBatchRetriedWhenAllFail(t *testing.T) {
	ledger := newFakeLedger()
	email := &fakeEmail{fn: func(call int, _ EmailMessage) error {
		if call <= 2 {
			return errors.New("provider down")
		}
		return nil
	}}
	d := newDispatcher(t, Config{Ledger: ledger, Email: email, EmailBatchSize: 5})

	res := d.Dispatch(context.Background(), []matcher.Candidate{
		candidate(testUser("x"), testSlots(1)...),
		candidate(testUser("y"), testSlots(2)...),
	})
	if res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("result = %s", res.Summary())
	}
	if email.calls != 4 {
		t.Fatalf("calls = %d, want 4", email.calls)
	}
}

func TestDispatch_EmailPartialBatchNotRetried(t *testing.T) {
	ledger := newFakeLedger()
	email := &fakeEmail{fn: func(_ int, msg EmailMessage) error {
		if msg.To == "y@example.com" {
			return errors.New("mailbox unavailable")
		}
		return nil
	}}
	d := newDispatcher(t, Config{Ledger: ledger, Email: email})

	res := d.Dispatch(context.Background(), []matcher.Candidate{
		candidate(testUser("x"), testSlots(1)...),
		candidate(testUser("y"), testSlots(2)...),
	})
	if res.Sent != 1 || res.Failed != 1 || email.calls != 2 {
		t.Fatalf("result = %s, calls = %d", res.Summary(), email.calls)
	}
	failed := ledger.byMethod(domain.MethodEmail)
	for _, e := range failed {
		if e.UserID == "y" && (e.Sent || e.SentAt != nil) {
			t.Fatalf("entry = %+v", e)
		}
	}
}

func TestDispatch_AlreadyRecordedCountsAsDuplicate(t *testing.T) {
	ledger := newFakeLedger()
	ledger.seen[ledgerKey{"alice", 1, domain.MethodPush}] = true
	d := newDispatcher(t, Config{Ledger: ledger, Push: &fakePush{}})

	u := testUser("alice")
	u.Email = ""
	res := d.Dispatch(context.Background(), []matcher.Candidate{candidate(u, testSlots(1, 2)...)})
	if res.Duplicates != 1 || res.LedgerWrites != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %s errors=%v", res.Summary(), res.Errors)
	}
}

func TestDispatch_SendTimeout(t *testing.T) {
	ledger := newFakeLedger()
	push := &fakePush{fn: func(ctx context.Context, _ []PushMessage) (BulkResult, error) {
		<-ctx.Done()
		return BulkResult{}, ctx.Err()
	}}
	d := newDispatcher(t, Config{Ledger: ledger, Push: push, SendTimeout: 20 * time.Millisecond})

	u := testUser("slow")
	u.Email = ""
	res := d.Dispatch(context.Background(), []matcher.Candidate{candidate(u, testSlots(1)...)})
	if res.Failed != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
	entries := ledger.byMethod(domain.MethodPush)
	if len(entries) != 1 || entries[0].Sent || !strings.Contains(entries[0].Error, "timed out") {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestDispatch_RecordsAckedSendAfterCancel(t *testing.T) {
	ledger := newFakeLedger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	push := &fakePush{fn: func(_ context.Context, msgs []PushMessage) (BulkResult, error) {
		cancel() // shutdown lands while the provider is answering
		return okTickets(len(msgs)), nil
	}}
	d := newDispatcher(t, Config{Ledger: ledger, Push: push})

	u := testUser("alice")
	u.Email = ""
	res := d.Dispatch(ctx, []matcher.Candidate{candidate(u, testSlots(1)...)})
	if res.Sent != 1 || res.LedgerWrites != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %s errors=%v", res.Summary(), res.Errors)
	}
	entries := ledger.byMethod(domain.MethodPush)
	if len(entries) != 1 || !entries[0].Sent {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestDispatch_UserFromLookup(t *testing.T) {
	ledger := newFakeLedger()
	u := testUser("dana")
	lookup := &fakeLookup{users: map[string]domain.User{"dana": *u}}
	d := newDispatcher(t, Config{Ledger: ledger, Users: lookup, Push: &fakePush{}})

	c := candidate(u, testSlots(1)...)
	c.Subscription.User = nil
	res := d.Dispatch(context.Background(), []matcher.Candidate{c})
	if res.Sent != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
}

// --------------------------------------------------------------------------
// RetryFailed
// --------------------------------------------------------------------------

func TestRetryFailed(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failed = []domain.AlertLedgerEntry{
		{ID: "e1", UserID: "alice", SubscriptionID: "sub-alice", SlotID: 1, Method: domain.MethodPush},
		{ID: "e2", UserID: "alice", SubscriptionID: "sub-alice", SlotID: 2, Method: domain.MethodPush},
		{ID: "e3", UserID: "alice", SubscriptionID: "sub-alice", SlotID: 3, Method: domain.MethodPush},
		{ID: "e4", UserID: "ghost", SubscriptionID: "sub-ghost", SlotID: 1, Method: domain.MethodEmail},
	}
	slots := testSlots(1, 2, 3)
	slots[2].Date = "2025-01-01" // in the past
	lookup := &fakeLookup{
		slots:   map[int64]domain.SlotObservation{1: slots[0], 2: slots[1], 3: slots[2]},
		centers: map[int64]domain.TestCenter{42: {ID: 42, Name: "Leeds"}},
		users:   map[string]domain.User{"alice": *testUser("alice")},
	}
	push := &fakePush{}
	d := newDispatcher(t, Config{Ledger: ledger, Users: lookup, Slots: lookup, Push: push, Email: &fakeEmail{}})

	res, err := d.RetryFailed(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
	if len(push.batches) != 1 || len(push.batches[0]) != 1 {
		t.Fatalf("expected one grouped push, got %+v", push.batches)
	}
	want := map[string]retryMark{
		"e1": {sent: true},
		"e2": {sent: true},
		"e3": {sent: false, err: "slot no longer available"},
		"e4": {sent: false, err: "user not found"},
	}
	for id, w := range want {
		if got := ledger.retried[id]; got != w {
			t.Errorf("%s = %+v, want %+v", id, got, w)
		}
	}
}

func TestRetryFailed_MarksAfterCancel(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failed = []domain.AlertLedgerEntry{
		{ID: "e1", UserID: "alice", SubscriptionID: "sub-alice", SlotID: 1, Method: domain.MethodPush},
	}
	lookup := &fakeLookup{
		slots:   map[int64]domain.SlotObservation{1: testSlots(1)[0]},
		centers: map[int64]domain.TestCenter{42: {ID: 42, Name: "Leeds"}},
		users:   map[string]domain.User{"alice": *testUser("alice")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	push := &fakePush{fn: func(_ context.Context, msgs []PushMessage) (BulkResult, error) {
		cancel()
		return okTickets(len(msgs)), nil
	}}
	d := newDispatcher(t, Config{Ledger: ledger, Users: lookup, Slots: lookup, Push: push})

	res, err := d.RetryFailed(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if res.Sent != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %s errors=%v", res.Summary(), res.Errors)
	}
	if got := ledger.retried["e1"]; !got.sent {
		t.Fatalf("e1 = %+v, want sent", got)
	}
}

func TestRetryFailed_RequiresLookups(t *testing.T) {
	d := newDispatcher(t, Config{Ledger: newFakeLedger()})
	if _, err := d.RetryFailed(context.Background(), time.Minute); err == nil {
		t.Fatal("expected error without lookups")
	}
}
