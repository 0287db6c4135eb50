package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/albapepper/slotwatch/internal/domain"
)

func TestExpoPushClient_SendBulk(t *testing.T) {
	var got []PushMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"status":"ok","id":"t-1"},
			{"status":"error","message":"\"tok-b\" is not a registered push notification recipient","details":{"error":"DeviceNotRegistered"}}
		]}`))
	}))
	defer srv.Close()

	c := NewExpoPushClient(srv.URL, "secret", 100, nil)
	res, err := c.SendBulk(context.Background(), []PushMessage{
		{To: "tok-a", Title: "t", Body: "b"},
		{To: "tok-b", Title: "t", Body: "b"},
	})
	if err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if len(got) != 2 || got[1].To != "tok-b" {
		t.Fatalf("request = %+v", got)
	}
	if len(res.Tickets) != 2 || !res.Tickets[0].OK() || res.Tickets[1].OK() {
		t.Fatalf("tickets = %+v", res.Tickets)
	}
	if err := res.Tickets[1].Err(); err == nil || !strings.Contains(err.Error(), "DeviceNotRegistered") {
		t.Fatalf("ticket error = %v", err)
	}
}

func TestExpoPushClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"throttled", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewExpoPushClient(srv.URL, "", 100, nil)
			_, err := c.SendBulk(context.Background(), []PushMessage{{To: "tok"}})
			var pe *domain.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pe.Retryable != tt.retryable || domain.IsRetryable(err) != tt.retryable {
				t.Fatalf("retryable = %v", pe.Retryable)
			}
		})
	}
}

func TestExpoPushClient_TicketCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"status":"ok"}]}`))
	}))
	defer srv.Close()

	c := NewExpoPushClient(srv.URL, "", 100, nil)
	if _, err := c.SendBulk(context.Background(), []PushMessage{{To: "a"}, {To: "b"}}); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestExpoPushClient_RejectsOversizedBatch(t *testing.T) {
	c := NewExpoPushClient("http://127.0.0.1:0", "", 100, nil)
	if _, err := c.SendBulk(context.Background(), make([]PushMessage, MaxPushBatch+1)); err == nil {
		t.Fatal("expected error")
	}
}

func TestHTTPEmailClient_Send(t *testing.T) {
	var got emailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer re_key" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"msg_123"}`))
	}))
	defer srv.Close()

	c := NewHTTPEmailClient(srv.URL, "re_key", "alerts@slotwatch.test", 100, nil)
	res, err := c.Send(context.Background(), EmailMessage{To: "a@example.com", Subject: "s", HTML: "<p>h</p>", Text: "h"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ID != "msg_123" {
		t.Fatalf("id = %q", res.ID)
	}
	if got.From != "alerts@slotwatch.test" || len(got.To) != 1 || got.To[0] != "a@example.com" || got.Subject != "s" {
		t.Fatalf("request = %+v", got)
	}
}

func TestHTTPEmailClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer srv.Close()

	c := NewHTTPEmailClient(srv.URL, "k", "from@example.com", 100, nil)
	_, err := c.Send(context.Background(), EmailMessage{To: "a@example.com"})
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(err.Error()) > 300 {
		t.Fatalf("body not truncated: %d bytes", len(err.Error()))
	}

	_, err = c.Send(context.Background(), EmailMessage{})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLogSender_AcknowledgesEverything(t *testing.T) {
	var nilSender *LogSender
	res, err := nilSender.SendBulk(context.Background(), []PushMessage{{To: "a"}, {To: "b"}})
	if err != nil || len(res.Tickets) != 2 || !res.Tickets[1].OK() {
		t.Fatalf("SendBulk = %+v, %v", res, err)
	}
	if _, err := NewLogSender(nil).Send(context.Background(), EmailMessage{To: "a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestMessageFormatting(t *testing.T) {
	c := alertContent{
		SubscriptionID: "sub-1",
		Center:         domain.TestCenter{ID: 42, Name: "Leeds <Harehills>", City: "Leeds"},
		TestType:       domain.TestTypePractical,
		Slots:          testSlots(7, 8),
		BookingURL:     "https://book.example/test",
	}

	p := pushMessage("tok", c)
	if p.Title != "2 practical test slots available" {
		t.Fatalf("title = %q", p.Title)
	}
	if p.Body != "Leeds <Harehills>: earliest Fri 31 Jan at 09:00" {
		t.Fatalf("body = %q", p.Body)
	}
	if ids, ok := p.Data["slot_ids"].([]int64); !ok || len(ids) != 2 {
		t.Fatalf("data = %+v", p.Data)
	}

	e, err := emailMessage("a@example.com", c)
	if err != nil {
		t.Fatalf("emailMessage: %v", err)
	}
	if e.Subject != "2 new practical test slots at Leeds <Harehills>" {
		t.Fatalf("subject = %q", e.Subject)
	}
	if !strings.Contains(e.HTML, "Leeds &lt;Harehills&gt;") || strings.Contains(e.HTML, "<Harehills>") {
		t.Fatal("center name not escaped in html")
	}
	for _, want := range []string{"Fri 31 Jan", "10:00", "https://book.example/test"} {
		if !strings.Contains(e.HTML, want) || !strings.Contains(e.Text, want) {
			t.Fatalf("%q missing from email bodies", want)
		}
	}

	one := c
	one.Slots = c.Slots[:1]
	if p := pushMessage("tok", one); p.Title != "1 practical test slot available" {
		t.Fatalf("singular title = %q", p.Title)
	}
}
