package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func strPtr(s string) *string { return &s }
func fPtr(f float64) *float64 { return &f }

func TestValidateSubscription(t *testing.T) {
	base := AlertSubscription{UserID: "u1", TestType: TestTypePractical}

	cases := []struct {
		name  string
		mut   func(*AlertSubscription)
		field string
	}{
		{"ok", func(*AlertSubscription) {}, ""},
		{"missing user", func(s *AlertSubscription) { s.UserID = " " }, "user_id"},
		{"bad type", func(s *AlertSubscription) { s.TestType = "motorbike" }, "test_type"},
		{"both ok", func(s *AlertSubscription) { s.TestType = TestTypeBoth }, ""},
		{"bad date_from", func(s *AlertSubscription) { s.DateFrom = strPtr("2025-13-01") }, "date_from"},
		{"date_to before from", func(s *AlertSubscription) {
			s.DateFrom = strPtr("2025-02-01")
			s.DateTo = strPtr("2025-01-31")
		}, "date_to"},
		{"same day window", func(s *AlertSubscription) {
			s.DateFrom = strPtr("2025-02-01")
			s.DateTo = strPtr("2025-02-01")
		}, ""},
		{"inverted time", func(s *AlertSubscription) {
			s.PreferredTimes = []TimeRange{{Start: "12:00", End: "09:00"}}
		}, "preferred_times"},
		{"lat without lon", func(s *AlertSubscription) { s.Latitude = fPtr(51.5) }, "latitude"},
		{"lon out of range", func(s *AlertSubscription) {
			s.Latitude = fPtr(51.5)
			s.Longitude = fPtr(190)
		}, "longitude"},
		{"zero radius", func(s *AlertSubscription) { s.RadiusMiles = fPtr(0) }, "radius_miles"},
		{"bad center", func(s *AlertSubscription) { s.PreferredCenters = []int64{0} }, "preferred_centers"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			tc.mut(&s)
			err := ValidateSubscription(s)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestTimeRange_InclusiveBounds(t *testing.T) {
	r, err := ParseTimeRange("09:00-12:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, in := range []string{"09:00", "10:30", "12:00"} {
		if !r.Contains(in) {
			t.Fatalf("%s should be inside %s", in, r)
		}
	}
	for _, out := range []string{"08:59", "12:01"} {
		if r.Contains(out) {
			t.Fatalf("%s should be outside %s", out, r)
		}
	}
}

func TestParseTimeRange_Rejects(t *testing.T) {
	for _, s := range []string{"", "9:00-12:00", "09:00", "12:00-09:00", "25:00-26:00"} {
		if _, err := ParseTimeRange(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestTimeRange_JSON(t *testing.T) {
	var got []TimeRange
	if err := json.Unmarshal([]byte(`["09:00-12:00","14:00-17:30"]`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 || got[1].End != "17:30" {
		t.Fatalf("unexpected ranges: %+v", got)
	}
	b, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `["09:00-12:00","14:00-17:30"]` {
		t.Fatalf("marshal = %s", b)
	}
}

func TestInQuietHours(t *testing.T) {
	overnight := UserPreferences{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}
	if !overnight.InQuietHours("23:30") || !overnight.InQuietHours("06:59") {
		t.Fatal("overnight window should cover late evening and early morning")
	}
	if overnight.InQuietHours("07:00") || overnight.InQuietHours("12:00") {
		t.Fatal("overnight window should end at 07:00")
	}

	daytime := UserPreferences{QuietHoursStart: "13:00", QuietHoursEnd: "14:00"}
	if !daytime.InQuietHours("13:00") || daytime.InQuietHours("14:00") {
		t.Fatal("daytime window bounds wrong")
	}

	if (UserPreferences{}).InQuietHours("03:00") {
		t.Fatal("no window configured means never quiet")
	}
}

func TestPagination(t *testing.T) {
	p := NewPagination(Page{Page: 2, Limit: 10}, 25)
	if p.Pages != 3 || p.Page != 2 || p.Limit != 10 || p.Total != 25 {
		t.Fatalf("unexpected pagination: %+v", p)
	}
	if off := (Page{Page: 3, Limit: 10}).Offset(); off != 20 {
		t.Fatalf("offset = %d", off)
	}
	n := Page{Page: 0, Limit: 1000}.Normalize()
	if n.Page != 1 || n.Limit != MaxPageLimit {
		t.Fatalf("normalize = %+v", n)
	}
	if got := NewPagination(Page{}, 0); got.Pages != 0 {
		t.Fatalf("empty pages = %d", got.Pages)
	}
}

func TestWrapStorage(t *testing.T) {
	if WrapStorage("op", nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if !errors.Is(WrapStorage("op", ErrNotFound), ErrNotFound) {
		t.Fatal("sentinel should pass through")
	}
	var se *StorageError
	if err := WrapStorage("find", errors.New("boom")); !errors.As(err, &se) || se.Op != "find" {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if !IsRetryable(WrapStorage("find", errors.New("boom"))) {
		t.Fatal("storage errors are retryable")
	}
	if IsRetryable(&ValidationError{Field: "x"}) {
		t.Fatal("validation errors are not retryable")
	}
}
