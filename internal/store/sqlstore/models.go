package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/albapepper/slotwatch/internal/domain"
)

// Timestamps are set from the store clock, never by gorm hooks, so tests can
// pin them.

type centerRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Code      string `gorm:"size:32;index"`
	Name      string `gorm:"size:200;not null"`
	Address   string `gorm:"size:300"`
	Postcode  string `gorm:"size:16"`
	City      string `gorm:"size:100"`
	Region    string `gorm:"size:100;index"`
	Latitude  *float64
	Longitude *float64
	IsActive  bool      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (centerRow) TableName() string { return "test_centers" }

type slotRow struct {
	ID          int64     `gorm:"primaryKey"`
	CenterID    int64     `gorm:"not null;uniqueIndex:idx_slot_natural_key,priority:1"`
	TestType    string    `gorm:"size:16;not null;uniqueIndex:idx_slot_natural_key,priority:2"`
	SlotDate    string    `gorm:"size:10;not null;uniqueIndex:idx_slot_natural_key,priority:3;index:idx_slot_date"`
	SlotTime    string    `gorm:"size:5;not null;uniqueIndex:idx_slot_natural_key,priority:4"`
	Available   bool      `gorm:"not null"`
	LastChecked time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false;index:idx_slot_updated_at"`
}

func (slotRow) TableName() string { return "slot_observations" }

type userRow struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Email     string    `gorm:"size:320"`
	PushToken string    `gorm:"size:255"`
	IsActive  bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (userRow) TableName() string { return "users" }

type preferencesRow struct {
	UserID             string `gorm:"primaryKey;size:128"`
	EmailEnabled       bool   `gorm:"not null"`
	PushEnabled        bool   `gorm:"not null"`
	SMSEnabled         bool   `gorm:"not null"`
	QuietHoursStart    string `gorm:"size:5"`
	QuietHoursEnd      string `gorm:"size:5"`
	DefaultRadiusMiles float64
	Frequency          string    `gorm:"size:16"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false"`
}

func (preferencesRow) TableName() string { return "user_preferences" }

type subscriptionRow struct {
	ID               string `gorm:"primaryKey;size:36"`
	UserID           string `gorm:"size:128;not null;index"`
	TestType         string `gorm:"size:16;not null;index"`
	Location         string `gorm:"size:200"`
	Latitude         *float64
	Longitude        *float64
	RadiusMiles      *float64
	PreferredCenters datatypes.JSON
	DateFrom         *string `gorm:"size:10"`
	DateTo           *string `gorm:"size:10;index"`
	PreferredTimes   datatypes.JSON
	IsActive         bool      `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
}

func (subscriptionRow) TableName() string { return "alert_subscriptions" }

type ledgerRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"size:128;not null;uniqueIndex:idx_ledger_user_slot_method,priority:1"`
	SlotID         int64  `gorm:"not null;uniqueIndex:idx_ledger_user_slot_method,priority:2"`
	Method         string `gorm:"size:8;not null;uniqueIndex:idx_ledger_user_slot_method,priority:3"`
	SubscriptionID string `gorm:"size:36;index"`
	Message        string
	Sent           bool `gorm:"not null;index"`
	SentAt         *time.Time
	Error          string
	Attempts       int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false;index"`
}

func (ledgerRow) TableName() string { return "alert_ledger" }

// models lists everything Migrate creates.
func models() []any {
	return []any{&centerRow{}, &slotRow{}, &userRow{}, &preferencesRow{}, &subscriptionRow{}, &ledgerRow{}}
}

// --------------------------------------------------------------------------
// Row <-> domain conversion. The JSON list columns are encoded and decoded
// here and nowhere else.
// --------------------------------------------------------------------------

func (r centerRow) toDomain() domain.TestCenter {
	return domain.TestCenter{
		ID: r.ID, Code: r.Code, Name: r.Name, Address: r.Address,
		Postcode: r.Postcode, City: r.City, Region: r.Region,
		Latitude: r.Latitude, Longitude: r.Longitude, IsActive: r.IsActive,
	}
}

func fromCenter(c domain.TestCenter, now time.Time) centerRow {
	return centerRow{
		ID: c.ID, Code: c.Code, Name: c.Name, Address: c.Address,
		Postcode: c.Postcode, City: c.City, Region: c.Region,
		Latitude: c.Latitude, Longitude: c.Longitude, IsActive: c.IsActive,
		UpdatedAt: now,
	}
}

func (r slotRow) toDomain() domain.SlotObservation {
	return domain.SlotObservation{
		ID:          r.ID,
		CenterID:    r.CenterID,
		TestType:    domain.TestType(r.TestType),
		Date:        r.SlotDate,
		Time:        r.SlotTime,
		Available:   r.Available,
		LastChecked: r.LastChecked,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (r ledgerRow) toDomain() domain.AlertLedgerEntry {
	return domain.AlertLedgerEntry{
		ID:             r.ID,
		UserID:         r.UserID,
		SubscriptionID: r.SubscriptionID,
		SlotID:         r.SlotID,
		Message:        r.Message,
		Sent:           r.Sent,
		SentAt:         r.SentAt,
		Method:         domain.NotificationMethod(r.Method),
		Error:          r.Error,
		Attempts:       r.Attempts,
		CreatedAt:      r.CreatedAt,
	}
}

func userToDomain(u userRow, p *preferencesRow) domain.User {
	out := domain.User{ID: u.ID, Email: u.Email, PushToken: u.PushToken, IsActive: u.IsActive}
	if p == nil {
		out.Preferences = domain.DefaultPreferences()
		return out
	}
	out.Preferences = domain.UserPreferences{
		EmailEnabled:       p.EmailEnabled,
		PushEnabled:        p.PushEnabled,
		SMSEnabled:         p.SMSEnabled,
		QuietHoursStart:    p.QuietHoursStart,
		QuietHoursEnd:      p.QuietHoursEnd,
		DefaultRadiusMiles: p.DefaultRadiusMiles,
		Frequency:          p.Frequency,
	}
	return out
}

func toSubscriptionRow(s domain.AlertSubscription) (subscriptionRow, error) {
	centers := s.PreferredCenters
	if centers == nil {
		centers = []int64{}
	}
	times := s.PreferredTimes
	if times == nil {
		times = []domain.TimeRange{}
	}
	centersJSON, err := json.Marshal(centers)
	if err != nil {
		return subscriptionRow{}, fmt.Errorf("encode preferred_centers: %w", err)
	}
	timesJSON, err := json.Marshal(times)
	if err != nil {
		return subscriptionRow{}, fmt.Errorf("encode preferred_times: %w", err)
	}
	return subscriptionRow{
		ID:               s.ID,
		UserID:           s.UserID,
		TestType:         string(s.TestType),
		Location:         s.Location,
		Latitude:         s.Latitude,
		Longitude:        s.Longitude,
		RadiusMiles:      s.RadiusMiles,
		PreferredCenters: datatypes.JSON(centersJSON),
		DateFrom:         s.DateFrom,
		DateTo:           s.DateTo,
		PreferredTimes:   datatypes.JSON(timesJSON),
		IsActive:         s.IsActive,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}, nil
}

func (r subscriptionRow) toDomain() (domain.AlertSubscription, error) {
	out := domain.AlertSubscription{
		ID:               r.ID,
		UserID:           r.UserID,
		TestType:         domain.TestType(r.TestType),
		Location:         r.Location,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
		RadiusMiles:      r.RadiusMiles,
		DateFrom:         r.DateFrom,
		DateTo:           r.DateTo,
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		PreferredCenters: []int64{},
		PreferredTimes:   []domain.TimeRange{},
	}
	if len(r.PreferredCenters) > 0 {
		if err := json.Unmarshal(r.PreferredCenters, &out.PreferredCenters); err != nil {
			return out, fmt.Errorf("decode preferred_centers of %s: %w", r.ID, err)
		}
	}
	if len(r.PreferredTimes) > 0 {
		if err := json.Unmarshal(r.PreferredTimes, &out.PreferredTimes); err != nil {
			return out, fmt.Errorf("decode preferred_times of %s: %w", r.ID, err)
		}
	}
	return out, nil
}
