package notifications

import (
	"fmt"
	"time"
)

// Window is the daily delivery window in the park's local time. Deliveries
// are allowed when Start <= hour < End.
type Window struct {
	Start    int
	End      int
	Location *time.Location
}

// NewWindow loads the named zone and validates the hour bounds.
func NewWindow(tz string, start, end int) (Window, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Window{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	if start < 0 || end > 24 || start >= end {
		return Window{}, fmt.Errorf("invalid delivery window %d-%d", start, end)
	}
	return Window{Start: start, End: end, Location: loc}, nil
}

// Allows reports whether t falls inside the window.
func (w Window) Allows(t time.Time) bool {
	return isWakingHour(t.In(w.location()).Hour(), w.Start, w.End)
}

// NextOpen returns the next instant at or after t when the window opens.
func (w Window) NextOpen(t time.Time) time.Time {
	local := t.In(w.location())
	if w.Allows(t) {
		return t
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), w.Start, 0, 0, 0, w.location())
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

func isWakingHour(hour, start, end int) bool {
	return hour >= start && hour < end
}
