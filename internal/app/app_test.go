package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/slotwatch/internal/config"
	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/notifications"
	"github.com/albapepper/slotwatch/internal/observer"
	"github.com/albapepper/slotwatch/internal/scheduler"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:         config.DriverSQLite,
		SQLiteDSN:           fmt.Sprintf("file:app_%s?mode=memory&cache=shared", uuid.NewString()),
		StoreTimeout:        5 * time.Second,
		TimeZone:            time.UTC,
		FreshnessWindow:     2 * time.Hour,
		ObserveInterval:     time.Hour,
		AlertsInterval:      time.Hour,
		MaintenanceInterval: time.Hour,
		RetryInterval:       time.Hour,
		ShutdownGrace:       time.Second,
		ObserveEndHour:      24,
		AlertsEndHour:       24,
		LedgerRetention:     30 * 24 * time.Hour,
		RetryAfter:          30 * time.Minute,
		RetryMaxAttempts:    3,
		RetryBatchLimit:     100,
		PushBatchSize:       100,
		PushConcurrency:     2,
		EmailBatchSize:      5,
		EmailBatchDelay:     -1,
		SendTimeout:         time.Second,
		ObserverSource:      observer.SourceNone,
		ObserverMaxBatch:    10,
	}
}

func newApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	sender := notifications.NewLogSender(discard)
	opts = append([]Option{WithClock(func() time.Time { return testNow }), WithSenders(sender, sender)}, opts...)
	a, err := New(context.Background(), testConfig(), discard, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func jobNames(a *App) []string {
	var names []string
	for _, st := range a.Scheduler.Snapshot() {
		names = append(names, st.Name)
	}
	return names
}

func TestNew_RegistersJobs(t *testing.T) {
	a := newApp(t)
	if got := fmt.Sprint(jobNames(a)); got != "[alerts maintenance retry]" {
		t.Fatalf("jobs without a source = %s", got)
	}

	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o600); err != nil {
		t.Fatal(err)
	}
	withSource := newApp(t, WithSource(observer.NewFileSource(path)))
	if got := fmt.Sprint(jobNames(withSource)); got != "[observe alerts maintenance retry]" {
		t.Fatalf("jobs with a source = %s", got)
	}
}

func TestObserveJob_EndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.json")
	payload := `[{"center_id":42,"test_type":"practical","date":"2025-01-20","time":"10:00"},
		{"center_id":42,"test_type":"practical","date":"2025-01-20","time":"10:30","available":false}]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatal(err)
	}
	a := newApp(t, WithSource(observer.NewFileSource(path)))
	ctx := context.Background()

	if err := a.Store.UpsertUser(ctx, domain.User{ID: "alice", Email: "alice@example.com", PushToken: "ExponentPushToken[alice]",
		IsActive: true, Preferences: domain.DefaultPreferences()}); err != nil {
		t.Fatal(err)
	}
	sub := domain.AlertSubscription{UserID: "alice", TestType: domain.TestTypeBoth}
	if err := a.Store.Create(ctx, &sub); err != nil {
		t.Fatal(err)
	}

	if err := a.Scheduler.TriggerNow(ctx, JobObserve); err != nil {
		t.Fatalf("observe: %v", err)
	}
	entries, total, err := a.Store.History(ctx, "alice", true, domain.Page{Page: 1, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("sent ledger rows = %d, want 2 (push + email)", total)
	}

	st, _ := a.Scheduler.Status(JobObserve)
	if st.State != scheduler.StateIdle || st.RunCount != 1 {
		t.Fatalf("observe status = %+v", st)
	}
	rep := a.Reporter.Report(ctx)
	if !rep.LastObservation.Available || !rep.LastObservation.Value.Equal(testNow) {
		t.Fatalf("last observation = %+v", rep.LastObservation)
	}

	// A follow-up sweep finds nothing new.
	if err := a.Scheduler.TriggerNow(ctx, JobAlerts); err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if _, total, _ := a.Store.History(ctx, "alice", false, domain.Page{}); total != 2 {
		t.Fatalf("ledger rows after sweep = %d", total)
	}
}

func TestMaintenanceAndRetryJobs(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	for _, job := range []string{JobMaintenance, JobRetry} {
		if err := a.Scheduler.TriggerNow(ctx, job); err != nil {
			t.Fatalf("%s: %v", job, err)
		}
	}
}

func TestRouter(t *testing.T) {
	a := newApp(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/db")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health/db = %d", resp.StatusCode)
	}
}

func TestStartStop(t *testing.T) {
	a := newApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	if !a.Stop() {
		t.Fatal("idle app should stop within grace")
	}
}

func TestStartStop_WithListener(t *testing.T) {
	a := newApp(t)
	// Nothing listens on port 1; the listener keeps retrying until stopped.
	a.Listener = observer.NewListener("postgres://slotwatch@127.0.0.1:1/slotwatch", a.HandleNotification, discard)
	a.Start(context.Background())

	start := time.Now()
	if !a.Stop() {
		t.Fatal("listener should stop within grace")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("Stop took %s", d)
	}
}

func TestHandleNotification(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	if err := a.Store.UpsertUser(ctx, domain.User{ID: "alice", Email: "alice@example.com", PushToken: "ExponentPushToken[alice]",
		IsActive: true, Preferences: domain.DefaultPreferences()}); err != nil {
		t.Fatal(err)
	}
	sub := domain.AlertSubscription{UserID: "alice", TestType: domain.TestTypePractical}
	if err := a.Store.Create(ctx, &sub); err != nil {
		t.Fatal(err)
	}
	// An external writer stored the slot and signalled the center.
	if _, err := a.Store.UpsertBatch(ctx, []domain.SlotObservation{{CenterID: 42, TestType: domain.TestTypePractical,
		Date: "2025-01-20", Time: "10:00", Available: true}}); err != nil {
		t.Fatal(err)
	}

	a.HandleNotification(ctx, observer.Notification{CenterID: 42, TestType: domain.TestTypePractical})
	if _, total, _ := a.Store.History(ctx, "alice", true, domain.Page{}); total != 2 {
		t.Fatalf("sent ledger rows = %d, want 2", total)
	}
}
