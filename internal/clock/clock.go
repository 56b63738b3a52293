// Package clock provides monotonic/wall clock abstractions so callers can
// inject a fake clock in tests instead of calling time.Now() directly.
package clock

import "time"

// Clock is the narrow time source every other component depends on.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
	// Monotonic returns the elapsed duration since the clock was created.
	Monotonic() time.Duration
}

// Real is the production Clock backed by the system clock.
type Real struct {
	start time.Time
}

// NewReal creates a Real clock, capturing the current instant as its
// monotonic epoch.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

// Now returns time.Now() normalized to UTC.
func (r *Real) Now() time.Time {
	return time.Now().UTC()
}

// Monotonic returns time elapsed since the clock was constructed.
func (r *Real) Monotonic() time.Duration {
	return time.Since(r.start)
}

var _ Clock = (*Real)(nil)

// RoundDown15m zeros minutes mod 15, seconds, and subseconds, producing the
// start of the 15-minute bucket containing t.
func RoundDown15m(t time.Time) time.Time {
	t = t.UTC()
	min := (t.Minute() / 15) * 15
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), min, 0, 0, time.UTC)
}

// NaiveAsUTC interprets a timestamp with no timezone information as UTC
// (rather than the process's local zone), matching the wire convention used
// throughout the rest of the system.
func NaiveAsUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
