package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/slotwatch/internal/db"
	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/store"
)

// FindAvailable returns live slots matching f.
func (s *Store) FindAvailable(ctx context.Context, f store.SlotFilter) ([]domain.SlotObservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var testType any
	if f.TestType != "" && f.TestType != domain.TestTypeBoth {
		testType = string(f.TestType)
	}

	rows, err := s.pool.Query(ctx, db.StmtFindAvailable,
		s.today(), f.FreshnessCutoff.UTC(), testType, nilIDs(f.CenterIDs),
		nilEmpty(f.DateFrom), nilEmpty(f.DateTo),
	)
	if err != nil {
		return nil, domain.WrapStorage("find available slots", err)
	}
	out, err := collectSlots(rows)
	if err != nil {
		return nil, domain.WrapStorage("find available slots", err)
	}
	return out, nil
}

// UpsertBatch writes slots in one transaction keyed on the natural key and
// returns the stored rows in input order.
func (s *Store) UpsertBatch(ctx context.Context, slots []domain.SlotObservation) ([]domain.SlotObservation, error) {
	slots = store.DedupeSlots(slots)
	if len(slots) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	out := make([]domain.SlotObservation, 0, len(slots))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, sl := range slots {
			checked := sl.LastChecked
			if checked.IsZero() {
				checked = now
			}
			batch.Queue(db.StmtUpsertSlot,
				sl.CenterID, string(sl.TestType), sl.Date, sl.Time, sl.Available, checked.UTC(), now,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for range slots {
			sl, err := scanSlot(br.QueryRow())
			if err != nil {
				br.Close()
				return err
			}
			out = append(out, sl)
		}
		return br.Close()
	})
	if err != nil {
		return nil, domain.WrapStorage("upsert slot batch", err)
	}
	return out, nil
}

// RecentlyAvailable returns rows updated within the trailing window.
func (s *Store) RecentlyAvailable(ctx context.Context, hours int) ([]domain.SlotObservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.pool.Query(ctx, `
		SELECT `+db.SlotColumns+`
		FROM slot_observations
		WHERE available AND updated_at >= $1
		ORDER BY updated_at DESC, id DESC`, since)
	if err != nil {
		return nil, domain.WrapStorage("recently available slots", err)
	}
	out, err := collectSlots(rows)
	if err != nil {
		return nil, domain.WrapStorage("recently available slots", err)
	}
	return out, nil
}

// PurgeExpired deletes slots dated before today.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM slot_observations WHERE slot_date < $1::date`, s.today())
	if err != nil {
		return 0, domain.WrapStorage("purge expired slots", err)
	}
	return tag.RowsAffected(), nil
}

// SlotsByID loads slots by primary key. Missing ids are absent from the map.
func (s *Store) SlotsByID(ctx context.Context, ids []int64) (map[int64]domain.SlotObservation, error) {
	out := make(map[int64]domain.SlotObservation, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+db.SlotColumns+`
		FROM slot_observations
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, domain.WrapStorage("slots by id", err)
	}
	slots, err := collectSlots(rows)
	if err != nil {
		return nil, domain.WrapStorage("slots by id", err)
	}
	for _, sl := range slots {
		out[sl.ID] = sl
	}
	return out, nil
}

// CountAvailable counts live slots by center region and test type.
func (s *Store) CountAvailable(ctx context.Context, cutoff time.Time) ([]domain.SlotCount, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(c.region, '') AS region, s.test_type, COUNT(*)
		FROM slot_observations s
		LEFT JOIN test_centers c ON c.id = s.center_id
		WHERE s.available AND s.slot_date >= $1::date AND s.updated_at >= $2
		GROUP BY 1, 2
		ORDER BY 1, 2`, s.today(), cutoff.UTC())
	if err != nil {
		return nil, domain.WrapStorage("count available slots", err)
	}
	defer rows.Close()

	var out []domain.SlotCount
	for rows.Next() {
		var c domain.SlotCount
		var tt string
		if err := rows.Scan(&c.Region, &tt, &c.Count); err != nil {
			return nil, domain.WrapStorage("scan slot count", err)
		}
		c.TestType = domain.TestType(tt)
		out = append(out, c)
	}
	return out, domain.WrapStorage("count available slots", rows.Err())
}

// LastObservedAt returns the most recent slot update, or nil when the table
// is empty.
func (s *Store) LastObservedAt(ctx context.Context) (*time.Time, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var last *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(updated_at) FROM slot_observations`).Scan(&last); err != nil {
		return nil, domain.WrapStorage("last observed at", err)
	}
	return utcPtr(last), nil
}

// Centers loads test centers by id. An empty id list loads all of them.
func (s *Store) Centers(ctx context.Context, ids []int64) (map[int64]domain.TestCenter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, code, name, address, postcode, city, region, latitude, longitude, is_active
		FROM test_centers
		WHERE ($1::bigint[] IS NULL OR id = ANY($1))`, nilIDs(ids))
	if err != nil {
		return nil, domain.WrapStorage("load centers", err)
	}
	defer rows.Close()

	out := make(map[int64]domain.TestCenter)
	for rows.Next() {
		var c domain.TestCenter
		if err := rows.Scan(
			&c.ID, &c.Code, &c.Name, &c.Address, &c.Postcode, &c.City, &c.Region,
			&c.Latitude, &c.Longitude, &c.IsActive,
		); err != nil {
			return nil, domain.WrapStorage("scan center", err)
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapStorage("load centers", err)
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
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range centers {
			batch.Queue(`
				INSERT INTO test_centers (
					id, code, name, address, postcode, city, region,
					latitude, longitude, is_active, updated_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
				ON CONFLICT (id) DO UPDATE SET
					code = EXCLUDED.code,
					name = EXCLUDED.name,
					address = EXCLUDED.address,
					postcode = EXCLUDED.postcode,
					city = EXCLUDED.city,
					region = EXCLUDED.region,
					latitude = EXCLUDED.latitude,
					longitude = EXCLUDED.longitude,
					is_active = EXCLUDED.is_active,
					updated_at = EXCLUDED.updated_at`,
				c.ID, c.Code, c.Name, c.Address, c.Postcode, c.City, c.Region,
				c.Latitude, c.Longitude, c.IsActive, now,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return domain.WrapStorage("upsert centers", err)
}

func scanSlot(row scanner) (domain.SlotObservation, error) {
	var sl domain.SlotObservation
	var tt string
	if err := row.Scan(
		&sl.ID, &sl.CenterID, &tt, &sl.Date, &sl.Time,
		&sl.Available, &sl.LastChecked, &sl.CreatedAt, &sl.UpdatedAt,
	); err != nil {
		return sl, fmt.Errorf("scan slot: %w", err)
	}
	sl.TestType = domain.TestType(tt)
	sl.LastChecked = sl.LastChecked.UTC()
	sl.CreatedAt = sl.CreatedAt.UTC()
	sl.UpdatedAt = sl.UpdatedAt.UTC()
	return sl, nil
}

func collectSlots(rows pgx.Rows) ([]domain.SlotObservation, error) {
	defer rows.Close()

	var out []domain.SlotObservation
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}
