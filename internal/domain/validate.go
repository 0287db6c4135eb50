package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeRange is an inclusive HH:MM window. Comparison is lexical on the
// zero-padded strings with no timezone conversion.
type TimeRange struct {
	Start string
	End   string
}

// ParseTimeRange parses "HH:MM-HH:MM".
func ParseTimeRange(s string) (TimeRange, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return TimeRange{}, fmt.Errorf("time range %q: expected HH:MM-HH:MM", s)
	}
	r := TimeRange{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
	if !ValidClock(r.Start) || !ValidClock(r.End) {
		return TimeRange{}, fmt.Errorf("time range %q: expected HH:MM-HH:MM", s)
	}
	if r.Start > r.End {
		return TimeRange{}, fmt.Errorf("time range %q: start after end", s)
	}
	return r, nil
}

// Contains reports whether hhmm lies inside the range, bounds included.
func (r TimeRange) Contains(hhmm string) bool {
	return hhmm >= r.Start && hhmm <= r.End
}

func (r TimeRange) String() string { return r.Start + "-" + r.End }

// MarshalJSON encodes the range in its "HH:MM-HH:MM" form.
func (r TimeRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts the "HH:MM-HH:MM" form.
func (r *TimeRange) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeRange(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ValidClock reports whether s is a zero-padded 24h HH:MM.
func ValidClock(s string) bool {
	if len(s) != 5 {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

// ValidDate reports whether s is a YYYY-MM-DD calendar date.
func ValidDate(s string) bool {
	if len(s) != len(DateLayout) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// ValidateSubscription checks a subscription before it is persisted.
func ValidateSubscription(s AlertSubscription) error {
	if strings.TrimSpace(s.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if !s.TestType.ValidForSubscription() {
		return &ValidationError{Field: "test_type", Reason: fmt.Sprintf("must be practical, theory or both, got %q", s.TestType)}
	}
	if s.DateFrom != nil && !ValidDate(*s.DateFrom) {
		return &ValidationError{Field: "date_from", Reason: "must be YYYY-MM-DD"}
	}
	if s.DateTo != nil && !ValidDate(*s.DateTo) {
		return &ValidationError{Field: "date_to", Reason: "must be YYYY-MM-DD"}
	}
	if s.DateFrom != nil && s.DateTo != nil && *s.DateTo < *s.DateFrom {
		return &ValidationError{Field: "date_to", Reason: "must not be before date_from"}
	}
	for _, r := range s.PreferredTimes {
		if !ValidClock(r.Start) || !ValidClock(r.End) {
			return &ValidationError{Field: "preferred_times", Reason: fmt.Sprintf("%q is not HH:MM-HH:MM", r.String())}
		}
		if r.Start > r.End {
			return &ValidationError{Field: "preferred_times", Reason: fmt.Sprintf("%q starts after it ends", r.String())}
		}
	}
	if (s.Latitude == nil) != (s.Longitude == nil) {
		return &ValidationError{Field: "latitude", Reason: "latitude and longitude must be set together"}
	}
	if s.Latitude != nil && (*s.Latitude < -90 || *s.Latitude > 90) {
		return &ValidationError{Field: "latitude", Reason: "out of range"}
	}
	if s.Longitude != nil && (*s.Longitude < -180 || *s.Longitude > 180) {
		return &ValidationError{Field: "longitude", Reason: "out of range"}
	}
	if s.RadiusMiles != nil && *s.RadiusMiles <= 0 {
		return &ValidationError{Field: "radius_miles", Reason: "must be positive"}
	}
	for _, id := range s.PreferredCenters {
		if id <= 0 {
			return &ValidationError{Field: "preferred_centers", Reason: "center ids must be positive"}
		}
	}
	return nil
}

// ValidateObservation checks one slot observation from an observer batch.
func ValidateObservation(s SlotObservation) error {
	if s.CenterID <= 0 {
		return &ValidationError{Field: "center_id", Reason: "must be positive"}
	}
	if !s.TestType.ValidForSlot() {
		return &ValidationError{Field: "test_type", Reason: fmt.Sprintf("must be practical or theory, got %q", s.TestType)}
	}
	if !ValidDate(s.Date) {
		return &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if !ValidClock(s.Time) {
		return &ValidationError{Field: "time", Reason: "must be HH:MM"}
	}
	return nil
}
