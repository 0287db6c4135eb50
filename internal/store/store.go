// Package store defines the persistence contracts used by the pipeline.
// Two backends implement them: store/postgres (pgx, production) and
// store/sqlstore (gorm on SQLite, local runs and tests).
package store

import (
	"context"
	"time"

	"github.com/albapepper/slotwatch/internal/domain"
)

// SlotFilter narrows FindAvailable. Zero values mean "no constraint", except
// FreshnessCutoff which is always applied.
type SlotFilter struct {
	TestType        domain.TestType
	CenterIDs       []int64
	DateFrom        string
	DateTo          string
	FreshnessCutoff time.Time
}

// SlotStore persists test centers and slot observations.
type SlotStore interface {
	// FindAvailable returns live slots: available, dated today or later and
	// updated at or after the freshness cutoff. Ordered by date then time.
	FindAvailable(ctx context.Context, f SlotFilter) ([]domain.SlotObservation, error)
	// UpsertBatch writes the batch in one transaction, merging available,
	// updated_at and last_checked on the natural key, and returns the stored
	// rows with their ids.
	UpsertBatch(ctx context.Context, slots []domain.SlotObservation) ([]domain.SlotObservation, error)
	// RecentlyAvailable returns rows updated within the trailing window,
	// newest first.
	RecentlyAvailable(ctx context.Context, hours int) ([]domain.SlotObservation, error)
	// PurgeExpired deletes rows dated before today.
	PurgeExpired(ctx context.Context) (int64, error)
	SlotsByID(ctx context.Context, ids []int64) (map[int64]domain.SlotObservation, error)
	CountAvailable(ctx context.Context, cutoff time.Time) ([]domain.SlotCount, error)
	LastObservedAt(ctx context.Context) (*time.Time, error)

	Centers(ctx context.Context, ids []int64) (map[int64]domain.TestCenter, error)
	UpsertCenters(ctx context.Context, centers []domain.TestCenter) error
}

// SubscriptionStore persists alert subscriptions. Mutations are scoped to the
// owning user; touching another user's row returns *domain.AuthorizationError.
type SubscriptionStore interface {
	// FindActive returns active subscriptions of active users with the owner
	// joined.
	FindActive(ctx context.Context) ([]domain.AlertSubscription, error)
	// FindMatchingCandidates is the coarse pre-filter: same test type or
	// "both", and the center is preferred or no preference is set.
	FindMatchingCandidates(ctx context.Context, testType domain.TestType, centerID int64) ([]domain.AlertSubscription, error)

	Create(ctx context.Context, sub *domain.AlertSubscription) error
	Get(ctx context.Context, userID, id string) (domain.AlertSubscription, error)
	List(ctx context.Context, userID string, page domain.Page) ([]domain.AlertSubscription, int64, error)
	Update(ctx context.Context, userID string, sub *domain.AlertSubscription) error
	SetActive(ctx context.Context, userID, id string, active bool) error
	Delete(ctx context.Context, userID, id string) error

	// DeactivateExpired flips is_active off where date_to is before today.
	DeactivateExpired(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (map[domain.TestType]int64, error)
}

// UserStore reads owner profiles. Upsert exists for ingestion and tests.
type UserStore interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	UpsertUser(ctx context.Context, u domain.User) error
}

// AlertLedger records which alerts have gone out. It is the de-duplication
// source of truth: a unique (user_id, slot_id, method) index rejects repeats
// with domain.ErrAlreadyRecorded.
type AlertLedger interface {
	Exists(ctx context.Context, userID string, slotID int64) (bool, error)
	ExistingFor(ctx context.Context, userID string, slotIDs []int64) (map[int64]bool, error)
	Record(ctx context.Context, e *domain.AlertLedgerEntry) error
	History(ctx context.Context, userID string, sentOnly bool, page domain.Page) ([]domain.AlertLedgerEntry, int64, error)
	RetryCandidates(ctx context.Context, before time.Time, maxAttempts, limit int) ([]domain.AlertLedgerEntry, error)
	MarkRetried(ctx context.Context, id string, sent bool, errMsg string) error
	// CleanupOlderThan deletes entries created before before, except those
	// whose slot is still dated today or later.
	CleanupOlderThan(ctx context.Context, before time.Time) (int64, error)
	CountSentSince(ctx context.Context, since time.Time) (int64, error)
}

// Store is the full backend.
type Store interface {
	SlotStore
	SubscriptionStore
	UserStore
	AlertLedger

	Ping(ctx context.Context) error
	Close() error
}

// DedupeSlots collapses repeated natural keys within one batch, keeping the
// last observation of each key in first-seen order.
func DedupeSlots(slots []domain.SlotObservation) []domain.SlotObservation {
	index := make(map[domain.SlotKey]int, len(slots))
	out := make([]domain.SlotObservation, 0, len(slots))
	for _, s := range slots {
		if i, ok := index[s.Key()]; ok {
			out[i] = s
			continue
		}
		index[s.Key()] = len(out)
		out = append(out, s)
	}
	return out
}
