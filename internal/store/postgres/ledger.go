package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/albapepper/slotwatch/internal/db"
	"github.com/albapepper/slotwatch/internal/domain"
)

const ledgerColumns = `id, user_id, subscription_id, slot_id, method, message, sent, sent_at, error, attempts, created_at`

// Exists reports whether any entry exists for (user, slot) on any channel.
func (s *Store) Exists(ctx context.Context, userID string, slotID int64) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alert_ledger WHERE user_id = $1 AND slot_id = $2)`,
		userID, slotID).Scan(&exists)
	if err != nil {
		return false, domain.WrapStorage("check alert exists", err)
	}
	return exists, nil
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

	rows, err := s.pool.Query(ctx, db.StmtLedgerExisting, userID, slotIDs)
	if err != nil {
		return nil, domain.WrapStorage("check alerts exist", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, domain.WrapStorage("scan ledger slot", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapStorage("check alerts exist", err)
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

	tag, err := s.pool.Exec(ctx, db.StmtLedgerRecord,
		e.ID, e.UserID, e.SubscriptionID, e.SlotID, string(e.Method), e.Message,
		e.Sent, utcPtr(e.SentAt), e.Error, e.Attempts, e.CreatedAt.UTC(),
	)
	if err != nil {
		return domain.WrapStorage("record alert", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyRecorded
	}
	return nil
}

// History returns one page of a user's ledger, newest first.
func (s *Store) History(ctx context.Context, userID string, sentOnly bool, page domain.Page) ([]domain.AlertLedgerEntry, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	page = page.Normalize()
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM alert_ledger WHERE user_id = $1 AND (NOT $2 OR sent)`,
		userID, sentOnly).Scan(&total)
	if err != nil {
		return nil, 0, domain.WrapStorage("count alert history", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM alert_ledger
		WHERE user_id = $1 AND (NOT $2 OR sent)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`, userID, sentOnly, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, domain.WrapStorage("alert history", err)
	}
	entries, err := collectLedger(rows)
	if err != nil {
		return nil, 0, domain.WrapStorage("alert history", err)
	}
	return entries, total, nil
}

// RetryCandidates returns failed entries created at or before before that
// still have attempts left, oldest first.
func (s *Store) RetryCandidates(ctx context.Context, before time.Time, maxAttempts, limit int) ([]domain.AlertLedgerEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM alert_ledger
		WHERE NOT sent AND created_at <= $1 AND attempts < $2
		ORDER BY created_at, id
		LIMIT $3`, before.UTC(), maxAttempts, limit)
	if err != nil {
		return nil, domain.WrapStorage("retry candidates", err)
	}
	entries, err := collectLedger(rows)
	if err != nil {
		return nil, domain.WrapStorage("retry candidates", err)
	}
	return entries, nil
}

// MarkRetried records the outcome of an explicit retry.
func (s *Store) MarkRetried(ctx context.Context, id string, sent bool, errMsg string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sentAt *time.Time
	if sent {
		now := s.now()
		sentAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_ledger
		SET sent = $2,
			error = $3,
			sent_at = COALESCE($4, sent_at),
			attempts = attempts + 1
		WHERE id = $1`, id, sent, errMsg, sentAt)
	if err != nil {
		return domain.WrapStorage("mark retried", err)
	}
	if tag.RowsAffected() == 0 {
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

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM alert_ledger l
		WHERE l.created_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM slot_observations so
		      WHERE so.id = l.slot_id AND so.slot_date >= $2::date)`,
		before.UTC(), s.today())
	if err != nil {
		return 0, domain.WrapStorage("cleanup ledger", err)
	}
	return tag.RowsAffected(), nil
}

// CountSentSince counts successful sends at or after since.
func (s *Store) CountSentSince(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM alert_ledger WHERE sent AND sent_at >= $1`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, domain.WrapStorage("count sent alerts", err)
	}
	return n, nil
}

func collectLedger(rows pgx.Rows) ([]domain.AlertLedgerEntry, error) {
	defer rows.Close()

	var out []domain.AlertLedgerEntry
	for rows.Next() {
		var e domain.AlertLedgerEntry
		var method string
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.SubscriptionID, &e.SlotID, &method, &e.Message,
			&e.Sent, &e.SentAt, &e.Error, &e.Attempts, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Method = domain.NotificationMethod(method)
		e.SentAt = utcPtr(e.SentAt)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
