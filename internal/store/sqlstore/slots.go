package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/store"
)

// FindAvailable returns live slots matching f.
func (s *Store) FindAvailable(ctx context.Context, f store.SlotFilter) ([]domain.SlotObservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := s.db.WithContext(ctx).Model(&slotRow{}).
		Where("available = ?", true).
		Where("slot_date >= ?", s.today()).
		Where("updated_at >= ?", f.FreshnessCutoff.UTC())
	if f.TestType != "" && f.TestType != domain.TestTypeBoth {
		q = q.Where("test_type = ?", string(f.TestType))
	}
	if len(f.CenterIDs) > 0 {
		q = q.Where("center_id IN ?", f.CenterIDs)
	}
	if f.DateFrom != "" {
		q = q.Where("slot_date >= ?", f.DateFrom)
	}
	if f.DateTo != "" {
		q = q.Where("slot_date <= ?", f.DateTo)
	}

	var rows []slotRow
	if err := q.Order("slot_date, slot_time, center_id").Find(&rows).Error; err != nil {
		return nil, domain.WrapStorage("find available slots", err)
	}
	return slotsToDomain(rows), nil
}

// UpsertBatch writes slots in one transaction keyed on the natural key.
func (s *Store) UpsertBatch(ctx context.Context, slots []domain.SlotObservation) ([]domain.SlotObservation, error) {
	slots = store.DedupeSlots(slots)
	if len(slots) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	rows := make([]slotRow, 0, len(slots))
	centers := make(map[int64]struct{})
	dates := make(map[string]struct{})
	for _, sl := range slots {
		checked := sl.LastChecked
		if checked.IsZero() {
			checked = now
		}
		rows = append(rows, slotRow{
			CenterID:    sl.CenterID,
			TestType:    string(sl.TestType),
			SlotDate:    sl.Date,
			SlotTime:    sl.Time,
			Available:   sl.Available,
			LastChecked: checked.UTC(),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		centers[sl.CenterID] = struct{}{}
		dates[sl.Date] = struct{}{}
	}

	var stored []slotRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "center_id"}, {Name: "test_type"}, {Name: "slot_date"}, {Name: "slot_time"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"available", "updated_at", "last_checked"}),
		}).Create(&rows).Error
		if err != nil {
			return err
		}
		return tx.Where("center_id IN ? AND slot_date IN ?", keys(centers), keys(dates)).Find(&stored).Error
	})
	if err != nil {
		return nil, domain.WrapStorage("upsert slot batch", err)
	}

	byKey := make(map[domain.SlotKey]slotRow, len(stored))
	for _, r := range stored {
		byKey[r.toDomain().Key()] = r
	}
	out := make([]domain.SlotObservation, 0, len(slots))
	for _, sl := range slots {
		if r, ok := byKey[sl.Key()]; ok {
			out = append(out, r.toDomain())
		}
	}
	return out, nil
}

// RecentlyAvailable returns rows updated within the trailing window.
func (s *Store) RecentlyAvailable(ctx context.Context, hours int) ([]domain.SlotObservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	var rows []slotRow
	err := s.db.WithContext(ctx).
		Where("available = ? AND updated_at >= ?", true, since).
		Order("updated_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, domain.WrapStorage("recently available slots", err)
	}
	return slotsToDomain(rows), nil
}

// PurgeExpired deletes slots dated before today.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.db.WithContext(ctx).Where("slot_date < ?", s.today()).Delete(&slotRow{})
	if res.Error != nil {
		return 0, domain.WrapStorage("purge expired slots", res.Error)
	}
	return res.RowsAffected, nil
}

// SlotsByID loads slots by primary key. Missing ids are absent from the map.
func (s *Store) SlotsByID(ctx context.Context, ids []int64) (map[int64]domain.SlotObservation, error) {
	out := make(map[int64]domain.SlotObservation, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []slotRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, domain.WrapStorage("slots by id", err)
	}
	for _, r := range rows {
		out[r.ID] = r.toDomain()
	}
	return out, nil
}

// CountAvailable counts live slots by center region and test type.
func (s *Store) CountAvailable(ctx context.Context, cutoff time.Time) ([]domain.SlotCount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	type countRow struct {
		Region   string
		TestType string
		Total    int64
	}
	var rows []countRow
	err := s.db.WithContext(ctx).
		Table("slot_observations AS s").
		Select("COALESCE(c.region, '') AS region, s.test_type AS test_type, COUNT(*) AS total").
		Joins("LEFT JOIN test_centers c ON c.id = s.center_id").
		Where("s.available = ? AND s.slot_date >= ? AND s.updated_at >= ?", true, s.today(), cutoff.UTC()).
		Group("COALESCE(c.region, ''), s.test_type").
		Order("region, test_type").
		Scan(&rows).Error
	if err != nil {
		return nil, domain.WrapStorage("count available slots", err)
	}

	out := make([]domain.SlotCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.SlotCount{Region: r.Region, TestType: domain.TestType(r.TestType), Count: r.Total})
	}
	return out, nil
}

// LastObservedAt returns the most recent slot update, or nil when the table
// is empty.
func (s *Store) LastObservedAt(ctx context.Context) (*time.Time, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row slotRow
	err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapStorage("last observed at", err)
	}
	t := row.UpdatedAt
	return &t, nil
}

// Centers loads test centers by id. An empty id list loads all of them.
func (s *Store) Centers(ctx context.Context, ids []int64) (map[int64]domain.TestCenter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := s.db.WithContext(ctx)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var rows []centerRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, domain.WrapStorage("load centers", err)
	}
	out := make(map[int64]domain.TestCenter, len(rows))
	for _, r := range rows {
		out[r.ID] = r.toDomain()
	}
	return out, nil
}

// UpsertCenters replaces reference data for the given centers.
func (s *Store) UpsertCenters(ctx context.Context, centers []domain.TestCenter) error {
	if len(centers) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	rows := make([]centerRow, 0, len(centers))
	for _, c := range centers {
		rows = append(rows, fromCenter(c, now))
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rows).Error
	return domain.WrapStorage("upsert centers", err)
}

func slotsToDomain(rows []slotRow) []domain.SlotObservation {
	out := make([]domain.SlotObservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

func keys[K comparable](m map[K]struct{}) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
