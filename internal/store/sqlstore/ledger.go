package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/albapepper/slotwatch/internal/domain"
)

// Exists reports whether any entry exists for (user, slot) on any channel.
func (s *Store) Exists(ctx context.Context, userID string, slotID int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("user_id = ? AND slot_id = ?", userID, slotID).
		Count(&n).Error
	if err != nil {
		return false, domain.WrapStorage("check alert exists", err)
	}
	return n > 0, nil
}

// ExistingFor returns the subset of slotIDs that already have an entry for
// userID.
func (s *Store) ExistingFor(ctx context.Context, userID string, slotIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(slotIDs) == 0 {
		return out, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ids []int64
	err := s.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("user_id = ? AND slot_id IN ?", userID, slotIDs).
		Distinct().
		Pluck("slot_id", &ids).Error
	if err != nil {
		return nil, domain.WrapStorage("check alerts exist", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// Record inserts e. A row already present for (user, slot, method) yields
// domain.ErrAlreadyRecorded.
func (s *Store) Record(ctx context.Context, e *domain.AlertLedgerEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.Attempts < 1 {
		e.Attempts = 1
	}
	row := ledgerRow{
		ID:             e.ID,
		UserID:         e.UserID,
		SlotID:         e.SlotID,
		Method:         string(e.Method),
		SubscriptionID: e.SubscriptionID,
		Message:        e.Message,
		Sent:           e.Sent,
		SentAt:         utcPtr(e.SentAt),
		Error:          e.Error,
		Attempts:       e.Attempts,
		CreatedAt:      e.CreatedAt.UTC(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return domain.WrapStorage("record alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyRecorded
	}
	return nil
}

// History returns one page of a user's ledger, newest first.
func (s *Store) History(ctx context.Context, userID string, sentOnly bool, page domain.Page) ([]domain.AlertLedgerEntry, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	page = page.Normalize()
	q := s.db.WithContext(ctx).Model(&ledgerRow{}).Where("user_id = ?", userID)
	if sentOnly {
		q = q.Where("sent = ?", true)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, domain.WrapStorage("count alert history", err)
	}
	var rows []ledgerRow
	if err := q.Order("created_at DESC, id").Offset(page.Offset()).Limit(page.Limit).Find(&rows).Error; err != nil {
		return nil, 0, domain.WrapStorage("alert history", err)
	}
	return ledgerToDomain(rows), total, nil
}

// RetryCandidates returns failed entries created at or before before that
// still have attempts left, oldest first.
func (s *Store) RetryCandidates(ctx context.Context, before time.Time, maxAttempts, limit int) ([]domain.AlertLedgerEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []ledgerRow
	err := s.db.WithContext(ctx).
		Where("sent = ? AND created_at <= ? AND attempts < ?", false, before.UTC(), maxAttempts).
		Order("created_at, id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, domain.WrapStorage("retry candidates", err)
	}
	return ledgerToDomain(rows), nil
}

// MarkRetried records the outcome of an explicit retry.
func (s *Store) MarkRetried(ctx context.Context, id string, sent bool, errMsg string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	updates := map[string]any{
		"sent":     sent,
		"error":    errMsg,
		"attempts": gorm.Expr("attempts + 1"),
	}
	if sent {
		updates["sent_at"] = s.now()
	}
	res := s.db.WithContext(ctx).Model(&ledgerRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return domain.WrapStorage("mark retried", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CleanupOlderThan deletes entries created before before whose slot is gone
// or dated in the past. Entries for slots still bookable are kept: they are
// what stops a later sweep from alerting the same pair again.
func (s *Store) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	live := s.db.Model(&slotRow{}).Select("id").Where("slot_date >= ?", s.today())
	res := s.db.WithContext(ctx).
		Where("created_at < ? AND slot_id NOT IN (?)", before.UTC(), live).
		Delete(&ledgerRow{})
	if res.Error != nil {
		return 0, domain.WrapStorage("cleanup ledger", res.Error)
	}
	return res.RowsAffected, nil
}

// CountSentSince counts successful sends at or after since.
func (s *Store) CountSentSince(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.WithContext(ctx).Model(&ledgerRow{}).
		Where("sent = ? AND sent_at >= ?", true, since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, domain.WrapStorage("count sent alerts", err)
	}
	return n, nil
}

func ledgerToDomain(rows []ledgerRow) []domain.AlertLedgerEntry {
	out := make([]domain.AlertLedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
