package scheduler

import (
	"slices"
	"time"
)

// Gate decides whether a scheduled tick may run. Manual triggers bypass it.
type Gate interface {
	Open(now time.Time) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(now time.Time) bool

func (f GateFunc) Open(now time.Time) bool { return f(now) }

// AlwaysOpen lets every tick through.
var AlwaysOpen Gate = GateFunc(func(time.Time) bool { return true })

// BusinessHours opens on [StartHour, EndHour) local time, except on the
// excluded weekdays. EndHour 24 means until midnight.
type BusinessHours struct {
	Location         *time.Location
	StartHour        int
	EndHour          int
	ExcludedWeekdays []time.Weekday
}

func (b BusinessHours) Open(now time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	if slices.Contains(b.ExcludedWeekdays, t.Weekday()) {
		return false
	}
	h := t.Hour()
	return h >= b.StartHour && h < b.EndHour
}
