package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/albapepper/slotwatch/internal/db"
	"github.com/albapepper/slotwatch/internal/domain"
)

const subscriptionFrom = `
	FROM alert_subscriptions s
	JOIN users u ON u.id = s.user_id
	LEFT JOIN user_preferences p ON p.user_id = s.user_id`

// FindActive returns active subscriptions owned by active users.
func (s *Store) FindActive(ctx context.Context) ([]domain.AlertSubscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+db.SubscriptionColumns+subscriptionFrom+`
		WHERE s.is_active AND u.is_active
		ORDER BY s.created_at, s.id`)
	if err != nil {
		return nil, domain.WrapStorage("find active subscriptions", err)
	}
	return s.collectSubscriptions(rows, "find active subscriptions")
}

// FindMatchingCandidates applies the coarse type and center pre-filter in SQL.
func (s *Store) FindMatchingCandidates(ctx context.Context, testType domain.TestType, centerID int64) ([]domain.AlertSubscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, db.StmtMatchingCandidates, string(testType), centerID)
	if err != nil {
		return nil, domain.WrapStorage("find matching candidates", err)
	}
	return s.collectSubscriptions(rows, "find matching candidates")
}

// Create stores a new active subscription owned by sub.UserID.
func (s *Store) Create(ctx context.Context, sub *domain.AlertSubscription) error {
	if err := domain.ValidateSubscription(*sub); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.IsActive = true
	sub.CreatedAt = now
	sub.UpdatedAt = now

	centers, times, err := encodeLists(*sub)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_subscriptions (
			id, user_id, test_type, location, latitude, longitude, radius_miles,
			preferred_centers, date_from, date_to, preferred_times, is_active,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9::date,$10::date,$11::jsonb,$12,$13,$13)`,
		sub.ID, sub.UserID, string(sub.TestType), sub.Location, sub.Latitude, sub.Longitude,
		sub.RadiusMiles, centers, sub.DateFrom, sub.DateTo, times, sub.IsActive, now,
	)
	return domain.WrapStorage("create subscription", err)
}

// Get returns a subscription owned by userID.
func (s *Store) Get(ctx context.Context, userID, id string) (domain.AlertSubscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+db.SubscriptionColumns+subscriptionFrom+`
		WHERE s.id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return domain.AlertSubscription{}, notFound("get subscription", err)
	}
	if sub.UserID != userID {
		return domain.AlertSubscription{}, &domain.AuthorizationError{UserID: userID, Resource: "subscription " + id}
	}
	return sub, nil
}

// List returns one page of userID's subscriptions, newest first.
func (s *Store) List(ctx context.Context, userID string, page domain.Page) ([]domain.AlertSubscription, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	page = page.Normalize()
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alert_subscriptions WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, domain.WrapStorage("count subscriptions", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+db.SubscriptionColumns+subscriptionFrom+`
		WHERE s.user_id = $1
		ORDER BY s.created_at DESC, s.id
		LIMIT $2 OFFSET $3`, userID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, domain.WrapStorage("list subscriptions", err)
	}
	subs, err := s.collectSubscriptions(rows, "list subscriptions")
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

// Update replaces the user-editable fields of an owned subscription.
func (s *Store) Update(ctx context.Context, userID string, sub *domain.AlertSubscription) error {
	sub.UserID = userID
	if err := domain.ValidateSubscription(*sub); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	centers, times, err := encodeLists(*sub)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		createdAt, err := ownedTx(ctx, tx, userID, sub.ID)
		if err != nil {
			return err
		}
		sub.CreatedAt = createdAt
		sub.UpdatedAt = s.now()

		_, err = tx.Exec(ctx, `
			UPDATE alert_subscriptions SET
				test_type = $2,
				location = $3,
				latitude = $4,
				longitude = $5,
				radius_miles = $6,
				preferred_centers = $7::jsonb,
				date_from = $8::date,
				date_to = $9::date,
				preferred_times = $10::jsonb,
				is_active = $11,
				updated_at = $12
			WHERE id = $1`,
			sub.ID, string(sub.TestType), sub.Location, sub.Latitude, sub.Longitude,
			sub.RadiusMiles, centers, sub.DateFrom, sub.DateTo, times, sub.IsActive, sub.UpdatedAt,
		)
		return domain.WrapStorage("update subscription", err)
	})
}

// SetActive toggles an owned subscription on or off.
func (s *Store) SetActive(ctx context.Context, userID, id string, active bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := ownedTx(ctx, tx, userID, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE alert_subscriptions SET is_active = $2, updated_at = $3 WHERE id = $1`,
			id, active, s.now())
		return domain.WrapStorage("set subscription active", err)
	})
}

// Delete hard-deletes an owned subscription.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := ownedTx(ctx, tx, userID, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM alert_subscriptions WHERE id = $1`, id)
		return domain.WrapStorage("delete subscription", err)
	})
}

// DeactivateExpired switches off subscriptions whose date window has passed.
func (s *Store) DeactivateExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_subscriptions
		SET is_active = false, updated_at = $2
		WHERE is_active AND date_to IS NOT NULL AND date_to < $1::date`,
		s.today(), s.now())
	if err != nil {
		return 0, domain.WrapStorage("deactivate expired subscriptions", err)
	}
	return tag.RowsAffected(), nil
}

// CountActive counts active subscriptions of active users by test type.
func (s *Store) CountActive(ctx context.Context) (map[domain.TestType]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT s.test_type, COUNT(*)
		FROM alert_subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.is_active AND u.is_active
		GROUP BY s.test_type`)
	if err != nil {
		return nil, domain.WrapStorage("count active subscriptions", err)
	}
	defer rows.Close()

	out := make(map[domain.TestType]int64)
	for rows.Next() {
		var tt string
		var n int64
		if err := rows.Scan(&tt, &n); err != nil {
			return nil, domain.WrapStorage("scan subscription count", err)
		}
		out[domain.TestType(tt)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapStorage("count active subscriptions", err)
	}
	return out, nil
}

// ownedTx locks a subscription row and checks that userID owns it.
func ownedTx(ctx context.Context, tx pgx.Tx, userID, id string) (time.Time, error) {
	var owner string
	var createdAt time.Time
	err := tx.QueryRow(ctx, `SELECT user_id, created_at FROM alert_subscriptions WHERE id = $1 FOR UPDATE`, id).
		Scan(&owner, &createdAt)
	if err != nil {
		return time.Time{}, notFound("load subscription", err)
	}
	if owner != userID {
		return time.Time{}, &domain.AuthorizationError{UserID: userID, Resource: "subscription " + id}
	}
	return createdAt.UTC(), nil
}

func (s *Store) collectSubscriptions(rows pgx.Rows, op string) ([]domain.AlertSubscription, error) {
	defer rows.Close()

	var out []domain.AlertSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		var de *decodeError
		if errors.As(err, &de) {
			s.logger.Warn("Skipping undecodable subscription", "subscription_id", sub.ID, "error", err)
			continue
		}
		if err != nil {
			return nil, domain.WrapStorage(op, err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapStorage(op, err)
	}
	return out, nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode subscription lists: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// scanSubscription reads one row selected with db.SubscriptionColumns.
func scanSubscription(row scanner) (domain.AlertSubscription, error) {
	var sub domain.AlertSubscription
	var u domain.User
	var tt, centers, times string
	err := row.Scan(
		&sub.ID, &sub.UserID, &tt, &sub.Location, &sub.Latitude, &sub.Longitude,
		&sub.RadiusMiles, &centers, &sub.DateFrom, &sub.DateTo, &times, &sub.IsActive,
		&sub.CreatedAt, &sub.UpdatedAt,
		&u.Email, &u.PushToken, &u.IsActive,
		&u.Preferences.EmailEnabled, &u.Preferences.PushEnabled, &u.Preferences.SMSEnabled,
		&u.Preferences.QuietHoursStart, &u.Preferences.QuietHoursEnd,
		&u.Preferences.DefaultRadiusMiles, &u.Preferences.Frequency,
	)
	if err != nil {
		return sub, err
	}
	sub.TestType = domain.TestType(tt)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	u.ID = sub.UserID
	sub.User = &u

	if err := json.Unmarshal([]byte(centers), &sub.PreferredCenters); err != nil {
		return sub, &decodeError{err: fmt.Errorf("preferred_centers: %w", err)}
	}
	if err := json.Unmarshal([]byte(times), &sub.PreferredTimes); err != nil {
		return sub, &decodeError{err: fmt.Errorf("preferred_times: %w", err)}
	}
	return sub, nil
}

// encodeLists renders the JSON list columns. Nil slices become [].
func encodeLists(sub domain.AlertSubscription) (centers, times []byte, err error) {
	c := sub.PreferredCenters
	if c == nil {
		c = []int64{}
	}
	t := sub.PreferredTimes
	if t == nil {
		t = []domain.TimeRange{}
	}
	if centers, err = json.Marshal(c); err != nil {
		return nil, nil, fmt.Errorf("encode preferred_centers: %w", err)
	}
	if times, err = json.Marshal(t); err != nil {
		return nil, nil, fmt.Errorf("encode preferred_times: %w", err)
	}
	return centers, times, nil
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

// GetUser returns a user with preferences, defaulted when never saved.
func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var u domain.User
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.push_token, u.is_active,
			COALESCE(p.email_enabled, true), COALESCE(p.push_enabled, true), COALESCE(p.sms_enabled, false),
			COALESCE(p.quiet_hours_start, ''), COALESCE(p.quiet_hours_end, ''),
			COALESCE(p.default_radius_miles, 0), COALESCE(p.frequency, 'immediate')
		FROM users u
		LEFT JOIN user_preferences p ON p.user_id = u.id
		WHERE u.id = $1`, id).Scan(
		&u.ID, &u.Email, &u.PushToken, &u.IsActive,
		&u.Preferences.EmailEnabled, &u.Preferences.PushEnabled, &u.Preferences.SMSEnabled,
		&u.Preferences.QuietHoursStart, &u.Preferences.QuietHoursEnd,
		&u.Preferences.DefaultRadiusMiles, &u.Preferences.Frequency,
	)
	if err != nil {
		return domain.User{}, notFound("get user", err)
	}
	return u, nil
}

// UpsertUser writes the user and preferences rows.
func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	if u.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	p := u.Preferences
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, push_token, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				push_token = EXCLUDED.push_token,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at`,
			u.ID, u.Email, u.PushToken, u.IsActive, now)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO user_preferences (
				user_id, email_enabled, push_enabled, sms_enabled, quiet_hours_start,
				quiet_hours_end, default_radius_miles, frequency, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (user_id) DO UPDATE SET
				email_enabled = EXCLUDED.email_enabled,
				push_enabled = EXCLUDED.push_enabled,
				sms_enabled = EXCLUDED.sms_enabled,
				quiet_hours_start = EXCLUDED.quiet_hours_start,
				quiet_hours_end = EXCLUDED.quiet_hours_end,
				default_radius_miles = EXCLUDED.default_radius_miles,
				frequency = EXCLUDED.frequency,
				updated_at = EXCLUDED.updated_at`,
			u.ID, p.EmailEnabled, p.PushEnabled, p.SMSEnabled, p.QuietHoursStart,
			p.QuietHoursEnd, p.DefaultRadiusMiles, p.Frequency, now)
		return err
	})
	return domain.WrapStorage("upsert user", err)
}
