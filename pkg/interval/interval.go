// Package interval provides the half-open time range primitive shared by the
// surgical and appointment schedulers.
package interval

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeWindow is returned for zero-length or inverted windows.
var ErrInvalidTimeWindow = errors.New("invalid time window")

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Back-to-back ranges, where one ends exactly when the other starts, do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Validate rejects windows whose end is not strictly after the start.
func Validate(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidTimeWindow)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end %s is not after start %s",
			ErrInvalidTimeWindow, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

// Validate checks the window bounds.
func (w Window) Validate() error { return Validate(w.Start, w.End) }

// Overlaps reports whether w and o intersect.
func (w Window) Overlaps(o Window) bool { return Overlaps(w.Start, w.End, o.Start, o.End) }

// Duration returns End - Start.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// StartOfDay truncates t to midnight in t's own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DayRange returns the calendar-day range covering [start, end): midnight of
// start's day up to midnight after end's day.
func DayRange(start, end time.Time) (time.Time, time.Time) {
	from := StartOfDay(start)
	to := StartOfDay(end.In(start.Location())).AddDate(0, 0, 1)
	return from, to
}

// SameDay reports whether a and b fall on the same calendar date in a's location.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
