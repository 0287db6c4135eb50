package sqlstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/albapepper/slotwatch/internal/domain"
)

// FindActive returns active subscriptions owned by active users.
func (s *Store) FindActive(ctx context.Context) ([]domain.AlertSubscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []subscriptionRow
	err := s.activeQuery(ctx).Order("s.created_at, s.id").Find(&rows).Error
	if err != nil {
		return nil, domain.WrapStorage("find active subscriptions", err)
	}
	return s.withOwners(ctx, rows)
}

// FindMatchingCandidates applies the coarse type and center pre-filter. The
// center preference lives in a JSON column, so it is checked after decoding.
func (s *Store) FindMatchingCandidates(ctx context.Context, testType domain.TestType, centerID int64) ([]domain.AlertSubscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []subscriptionRow
	err := s.activeQuery(ctx).
		Where("s.test_type IN ?", []string{string(testType), string(domain.TestTypeBoth)}).
		Order("s.created_at, s.id").
		Find(&rows).Error
	if err != nil {
		return nil, domain.WrapStorage("find matching candidates", err)
	}
	subs, err := s.withOwners(ctx, rows)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.WantsCenter(centerID) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) activeQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("alert_subscriptions AS s").
		Select("s.*").
		Joins("JOIN users u ON u.id = s.user_id").
		Where("s.is_active = ? AND u.is_active = ?", true, true)
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

	row, err := toSubscriptionRow(*sub)
	if err != nil {
		return err
	}
	return domain.WrapStorage("create subscription", s.db.WithContext(ctx).Create(&row).Error)
}

// Get returns a subscription owned by userID.
func (s *Store) Get(ctx context.Context, userID, id string) (domain.AlertSubscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row, err := owned(s.db.WithContext(ctx), userID, id)
	if err != nil {
		return domain.AlertSubscription{}, err
	}
	subs, err := s.withOwners(ctx, []subscriptionRow{row})
	if err != nil {
		return domain.AlertSubscription{}, err
	}
	return subs[0], nil
}

// List returns one page of userID's subscriptions, newest first.
func (s *Store) List(ctx context.Context, userID string, page domain.Page) ([]domain.AlertSubscription, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	page = page.Normalize()
	q := s.db.WithContext(ctx).Model(&subscriptionRow{}).Where("user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, domain.WrapStorage("count subscriptions", err)
	}
	var rows []subscriptionRow
	err := q.Order("created_at DESC, id").Offset(page.Offset()).Limit(page.Limit).Find(&rows).Error
	if err != nil {
		return nil, 0, domain.WrapStorage("list subscriptions", err)
	}

	out := make([]domain.AlertSubscription, 0, len(rows))
	for _, r := range rows {
		sub, err := r.toDomain()
		if err != nil {
			return nil, 0, domain.WrapStorage("list subscriptions", err)
		}
		out = append(out, sub)
	}
	return out, total, nil
}

// Update replaces the user-editable fields of an owned subscription.
func (s *Store) Update(ctx context.Context, userID string, sub *domain.AlertSubscription) error {
	sub.UserID = userID
	if err := domain.ValidateSubscription(*sub); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := owned(tx, userID, sub.ID)
		if err != nil {
			return err
		}
		sub.CreatedAt = existing.CreatedAt
		sub.UpdatedAt = s.now()

		row, err := toSubscriptionRow(*sub)
		if err != nil {
			return err
		}
		return domain.WrapStorage("update subscription", tx.Save(&row).Error)
	})
}

// SetActive toggles an owned subscription on or off.
func (s *Store) SetActive(ctx context.Context, userID, id string, active bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := owned(tx, userID, id); err != nil {
			return err
		}
		err := tx.Model(&subscriptionRow{}).Where("id = ?", id).
			Updates(map[string]any{"is_active": active, "updated_at": s.now()}).Error
		return domain.WrapStorage("set subscription active", err)
	})
}

// Delete hard-deletes an owned subscription.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := owned(tx, userID, id); err != nil {
			return err
		}
		return domain.WrapStorage("delete subscription", tx.Where("id = ?", id).Delete(&subscriptionRow{}).Error)
	})
}

// DeactivateExpired switches off subscriptions whose date window has passed.
func (s *Store) DeactivateExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Model(&subscriptionRow{}).
		Where("is_active = ? AND date_to IS NOT NULL AND date_to < ?", true, s.today()).
		Updates(map[string]any{"is_active": false, "updated_at": s.now()})
	if res.Error != nil {
		return 0, domain.WrapStorage("deactivate expired subscriptions", res.Error)
	}
	return res.RowsAffected, nil
}

// CountActive counts active subscriptions of active users by test type.
func (s *Store) CountActive(ctx context.Context) (map[domain.TestType]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	type countRow struct {
		TestType string
		Total    int64
	}
	var rows []countRow
	err := s.activeQuery(ctx).
		Select("s.test_type AS test_type, COUNT(*) AS total").
		Group("s.test_type").
		Scan(&rows).Error
	if err != nil {
		return nil, domain.WrapStorage("count active subscriptions", err)
	}
	out := make(map[domain.TestType]int64, len(rows))
	for _, r := range rows {
		out[domain.TestType(r.TestType)] = r.Total
	}
	return out, nil
}

// owned loads a subscription and checks that userID owns it.
func owned(tx *gorm.DB, userID, id string) (subscriptionRow, error) {
	var row subscriptionRow
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, domain.ErrNotFound
	}
	if err != nil {
		return row, domain.WrapStorage("load subscription", err)
	}
	if row.UserID != userID {
		return row, &domain.AuthorizationError{UserID: userID, Resource: "subscription " + id}
	}
	return row, nil
}

// withOwners decodes rows and attaches each owner with preferences.
func (s *Store) withOwners(ctx context.Context, rows []subscriptionRow) ([]domain.AlertSubscription, error) {
	ids := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		ids[r.UserID] = struct{}{}
	}
	users, err := s.loadUsers(ctx, keys(ids))
	if err != nil {
		return nil, err
	}

	out := make([]domain.AlertSubscription, 0, len(rows))
	for _, r := range rows {
		sub, err := r.toDomain()
		if err != nil {
			s.logger.Warn("Skipping undecodable subscription", "subscription_id", r.ID, "error", err)
			continue
		}
		if u, ok := users[r.UserID]; ok {
			sub.User = &u
		}
		out = append(out, sub)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

// GetUser returns a user with preferences.
func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	users, err := s.loadUsers(ctx, []string{id})
	if err != nil {
		return domain.User{}, err
	}
	u, ok := users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
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
	user := userRow{ID: u.ID, Email: u.Email, PushToken: u.PushToken, IsActive: u.IsActive, CreatedAt: now, UpdatedAt: now}
	prefs := preferencesRow{
		UserID:             u.ID,
		EmailEnabled:       u.Preferences.EmailEnabled,
		PushEnabled:        u.Preferences.PushEnabled,
		SMSEnabled:         u.Preferences.SMSEnabled,
		QuietHoursStart:    u.Preferences.QuietHoursStart,
		QuietHoursEnd:      u.Preferences.QuietHoursEnd,
		DefaultRadiusMiles: u.Preferences.DefaultRadiusMiles,
		Frequency:          u.Preferences.Frequency,
		UpdatedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "push_token", "is_active", "updated_at"}),
		}).Create(&user).Error
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(&prefs).Error
	})
	return domain.WrapStorage("upsert user", err)
}

func (s *Store) loadUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	out := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var users []userRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, domain.WrapStorage("load users", err)
	}
	var prefs []preferencesRow
	if err := s.db.WithContext(ctx).Where("user_id IN ?", ids).Find(&prefs).Error; err != nil {
		return nil, domain.WrapStorage("load preferences", err)
	}
	byUser := make(map[string]*preferencesRow, len(prefs))
	for i := range prefs {
		byUser[prefs[i].UserID] = &prefs[i]
	}
	for _, u := range users {
		out[u.ID] = userToDomain(u, byUser[u.ID])
	}
	return out, nil
}
