// Package notifications delivers slot alerts over push and email and records
// every attempt in the alert ledger.
//
// Pipeline: resolve channels per candidate → send push batches concurrently →
// send email batches with a delay → write ledger entries after the providers
// answer. Failed entries are picked up later by RetryFailed.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/albapepper/slotwatch/internal/domain"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// MaxPushBatch is the most messages Expo accepts in one request.
	MaxPushBatch = 100

	defaultPushConcurrency = 4
	defaultEmailBatchSize  = 5
	defaultEmailBatchDelay = time.Second
	defaultSendTimeout     = 15 * time.Second
	defaultLedgerTimeout   = 10 * time.Second

	// DefaultBookingURL is where the email call to action points.
	DefaultBookingURL = "https://www.gov.uk/change-driving-test"
)

// --------------------------------------------------------------------------
// Provider types
// --------------------------------------------------------------------------

// PushMessage is one Expo push message.
type PushMessage struct {
	To        string         `json:"to"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Sound     string         `json:"sound,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
}

// PushTicket is the provider's answer for a single message.
type PushTicket struct {
	Status  string `json:"status"` // "ok" | "error"
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

// OK reports whether the provider accepted the message.
func (t PushTicket) OK() bool { return t.Status == "ok" }

// Err converts a rejected ticket into an error. Nil for accepted tickets.
func (t PushTicket) Err() error {
	if t.OK() {
		return nil
	}
	msg := t.Message
	if t.Details.Error != "" {
		msg = t.Details.Error + ": " + msg
	}
	if msg == "" {
		msg = "rejected with status " + t.Status
	}
	return &domain.ProviderError{Provider: "expo", Err: fmt.Errorf("%s", msg)}
}

// BulkResult holds one ticket per message, in request order.
type BulkResult struct {
	Tickets []PushTicket
}

// EmailMessage is one transactional email.
type EmailMessage struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// SendResult is the provider's acknowledgement of an email.
type SendResult struct {
	ID string
}

// PushSender delivers push messages in bulk.
type PushSender interface {
	SendBulk(ctx context.Context, msgs []PushMessage) (BulkResult, error)
}

// EmailSender delivers a single email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) (SendResult, error)
}

// --------------------------------------------------------------------------
// Store contracts
// --------------------------------------------------------------------------

// Ledger is the part of the alert ledger the dispatcher writes to.
type Ledger interface {
	Record(ctx context.Context, e *domain.AlertLedgerEntry) error
	RetryCandidates(ctx context.Context, before time.Time, maxAttempts, limit int) ([]domain.AlertLedgerEntry, error)
	MarkRetried(ctx context.Context, id string, sent bool, errMsg string) error
}

// SlotLookup resolves the slots and centers behind failed ledger entries.
type SlotLookup interface {
	SlotsByID(ctx context.Context, ids []int64) (map[int64]domain.SlotObservation, error)
	Centers(ctx context.Context, ids []int64) (map[int64]domain.TestCenter, error)
}

// UserLookup resolves a user and their preferences.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// --------------------------------------------------------------------------
// Result
// --------------------------------------------------------------------------

// Result counts notifications (not ledger rows) by outcome.
type Result struct {
	Sent         int
	Failed       int
	Skipped      int
	LedgerWrites int
	Duplicates   int // ledger rows that already existed
	Errors       []string
}

// Summary returns a one-line summary for logging.
func (r Result) Summary() string {
	return fmt.Sprintf("sent=%d failed=%d skipped=%d ledger_writes=%d duplicates=%d errors=%d",
		r.Sent, r.Failed, r.Skipped, r.LedgerWrites, r.Duplicates, len(r.Errors))
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
