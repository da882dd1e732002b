// Package timeframe builds the calendar-date windows that series are keyed by.
package timeframe

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage format of a DateKey.
const DateLayout = "2006-01-02"

// DateKey is a calendar date with no time component, formatted YYYY-MM-DD.
type DateKey string

// ParseDateKey validates s and returns it as a DateKey.
func ParseDateKey(s string) (DateKey, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateKey(t.Format(DateLayout)), nil
}

// FromTime returns the calendar date of t in its own location.
func FromTime(t time.Time) DateKey {
	return DateKey(t.Format(DateLayout))
}

// String returns the YYYY-MM-DD form.
func (d DateKey) String() string {
	return string(d)
}

// Time returns midnight UTC of the date.
func (d DateKey) Time() time.Time {
	t, _ := time.Parse(DateLayout, string(d))
	return t
}

// AddDays shifts the date by n calendar days.
func (d DateKey) AddDays(n int) DateKey {
	return FromTime(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d DateKey) Before(other DateKey) bool {
	// the fixed-width layout sorts lexically
	return d < other
}

type TimeProvider interface {
	Now(loc *time.Location) time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current time in loc.
func (p *DefaultTimeProvider) Now(loc *time.Location) time.Time {
	return time.Now().In(loc)
}

// FixedTimeProvider always returns the same instant; used by tests and backfills.
type FixedTimeProvider struct {
	FixedTime time.Time
}

// Now returns the fixed instant in loc.
func (p *FixedTimeProvider) Now(loc *time.Location) time.Time {
	return p.FixedTime.In(loc)
}

// Today returns the current calendar date in loc.
func Today(provider TimeProvider, loc *time.Location) DateKey {
	return FromTime(provider.Now(loc))
}

// Window returns the days dates ending at (and including) end, ascending.
func Window(end DateKey, days int) []DateKey {
	if days <= 0 {
		return []DateKey{}
	}
	dates := make([]DateKey, days)
	for i := 0; i < days; i++ {
		dates[i] = end.AddDays(i - days + 1)
	}
	return dates
}
