// Package domain holds the types shared by the stores, the matcher, the
// dispatcher and the HTTP layer. Nothing in here touches I/O.
package domain

import (
	"time"
)

// DateLayout is the ISO calendar date format used for slot and subscription
// dates. Zero-padded ISO dates compare correctly as strings.
const DateLayout = "2006-01-02"

// TestType is the kind of driving test a slot or subscription refers to.
type TestType string

const (
	TestTypePractical TestType = "practical"
	TestTypeTheory    TestType = "theory"
	TestTypeBoth      TestType = "both" // subscriptions only
)

// ValidForSubscription reports whether t may be used on a subscription.
func (t TestType) ValidForSubscription() bool {
	switch t {
	case TestTypePractical, TestTypeTheory, TestTypeBoth:
		return true
	}
	return false
}

// ValidForSlot reports whether t may be used on an observed slot.
func (t TestType) ValidForSlot() bool {
	return t == TestTypePractical || t == TestTypeTheory
}

// Covers reports whether a subscription of type t is interested in slots of
// type slot.
func (t TestType) Covers(slot TestType) bool {
	return t == TestTypeBoth || t == slot
}

// NotificationMethod is the channel an alert went out on.
type NotificationMethod string

const (
	MethodEmail NotificationMethod = "email"
	MethodPush  NotificationMethod = "push"
	MethodSMS   NotificationMethod = "sms"
)

// TestCenter is reference data maintained by an external ingestion process.
type TestCenter struct {
	ID        int64    `json:"id"`
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	Address   string   `json:"address,omitempty"`
	Postcode  string   `json:"postcode,omitempty"`
	City      string   `json:"city,omitempty"`
	Region    string   `json:"region,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	IsActive  bool     `json:"is_active"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (c TestCenter) HasCoordinates() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// SlotObservation is one bookable appointment as last seen by an observer.
// The natural key is (CenterID, TestType, Date, Time).
type SlotObservation struct {
	ID          int64     `json:"id"`
	CenterID    int64     `json:"center_id"`
	TestType    TestType  `json:"test_type"`
	Date        string    `json:"date"` // YYYY-MM-DD
	Time        string    `json:"time"` // HH:MM
	Available   bool      `json:"available"`
	LastChecked time.Time `json:"last_checked"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SlotKey is the natural key of a slot observation.
type SlotKey struct {
	CenterID int64
	TestType TestType
	Date     string
	Time     string
}

// Key returns the natural key of s.
func (s SlotObservation) Key() SlotKey {
	return SlotKey{CenterID: s.CenterID, TestType: s.TestType, Date: s.Date, Time: s.Time}
}

// SlotCount is one bucket of the available-slot breakdown.
type SlotCount struct {
	Region   string   `json:"region"`
	TestType TestType `json:"test_type"`
	Count    int64    `json:"count"`
}

// AlertSubscription is a user's standing request to hear about matching slots.
type AlertSubscription struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	TestType         TestType    `json:"test_type"`
	Location         string      `json:"location,omitempty"`
	Latitude         *float64    `json:"latitude,omitempty"`
	Longitude        *float64    `json:"longitude,omitempty"`
	RadiusMiles      *float64    `json:"radius_miles,omitempty"`
	PreferredCenters []int64     `json:"preferred_centers"`
	DateFrom         *string     `json:"date_from,omitempty"`
	DateTo           *string     `json:"date_to,omitempty"`
	PreferredTimes   []TimeRange `json:"preferred_times"`
	IsActive         bool        `json:"is_active"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`

	// User is populated by store queries that join the owner.
	User *User `json:"-"`
}

// WantsCenter reports whether the subscription accepts slots at centerID.
// An empty preference list means any center.
func (s AlertSubscription) WantsCenter(centerID int64) bool {
	if len(s.PreferredCenters) == 0 {
		return true
	}
	for _, id := range s.PreferredCenters {
		if id == centerID {
			return true
		}
	}
	return false
}

// HasRadius reports whether the subscription carries a full geo constraint.
func (s AlertSubscription) HasRadius() bool {
	_, ok := s.Radius()
	return s.Latitude != nil && s.Longitude != nil && ok
}

// Radius returns the subscription's own radius, else the owner's default
// radius preference. ok is false when neither is set.
func (s AlertSubscription) Radius() (miles float64, ok bool) {
	if s.RadiusMiles != nil {
		return *s.RadiusMiles, true
	}
	if s.User != nil && s.User.Preferences.DefaultRadiusMiles > 0 {
		return s.User.Preferences.DefaultRadiusMiles, true
	}
	return 0, false
}

// AlertLedgerEntry records an attempted or successful notification for one
// (user, slot, method).
type AlertLedgerEntry struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	SubscriptionID string             `json:"subscription_id"`
	SlotID         int64              `json:"slot_id"`
	Message        string             `json:"message"`
	Sent           bool               `json:"sent"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	Method         NotificationMethod `json:"method"`
	Error          string             `json:"error,omitempty"`
	Attempts       int                `json:"attempts"`
	CreatedAt      time.Time          `json:"created_at"`
}

// User is the owner of subscriptions. Profile data is maintained by the
// external auth subsystem.
type User struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	PushToken   string          `json:"push_token,omitempty"`
	IsActive    bool            `json:"is_active"`
	Preferences UserPreferences `json:"preferences"`
}

// UserPreferences holds per-channel opt-ins and delivery defaults.
type UserPreferences struct {
	EmailEnabled       bool    `json:"email_enabled"`
	PushEnabled        bool    `json:"push_enabled"`
	SMSEnabled         bool    `json:"sms_enabled"`
	QuietHoursStart    string  `json:"quiet_hours_start,omitempty"` // HH:MM
	QuietHoursEnd      string  `json:"quiet_hours_end,omitempty"`   // HH:MM
	DefaultRadiusMiles float64 `json:"default_radius_miles,omitempty"`
	Frequency          string  `json:"frequency,omitempty"`
}

// InQuietHours reports whether the wall-clock time hhmm falls inside the
// quiet window. Windows that cross midnight (22:00-07:00) are supported.
// The start is inclusive and the end exclusive.
func (p UserPreferences) InQuietHours(hhmm string) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" || p.QuietHoursStart == p.QuietHoursEnd {
		return false
	}
	if p.QuietHoursStart < p.QuietHoursEnd {
		return hhmm >= p.QuietHoursStart && hhmm < p.QuietHoursEnd
	}
	return hhmm >= p.QuietHoursStart || hhmm < p.QuietHoursEnd
}

// Today returns the calendar date of now in loc as YYYY-MM-DD.
func Today(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(DateLayout)
}

// Page is a 1-based pagination request.
type Page struct {
	Page  int
	Limit int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset returns the row offset of a normalized page.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

// Pagination is the response half of a paginated list.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int   `json:"pages"`
}

// NewPagination builds the pagination block for a list of total rows.
func NewPagination(p Page, total int64) Pagination {
	n := p.Normalize()
	pages := int((total + int64(n.Limit) - 1) / int64(n.Limit))
	return Pagination{Page: n.Page, Limit: n.Limit, Total: total, Pages: pages}
}

// DefaultPreferences applies to users who never saved preferences.
func DefaultPreferences() UserPreferences {
	return UserPreferences{EmailEnabled: true, PushEnabled: true, Frequency: "immediate"}
}
