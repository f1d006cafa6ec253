// Package timestamp parses the time formats found in agent log lines.
package timestamp

import (
	"fmt"
	"time"
)

// LogTime is a logcat "MM-DD HH:MM:SS.mmm" stamp. Logcat omits the year, so a
// LogTime only becomes an instant once resolved against a reference time.
type LogTime struct {
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
	Milli  int
}

const logcatLayout = "01-02 15:04:05.000"

// ParseLogTime parses a logcat date-time prefix.
func ParseLogTime(s string) (LogTime, error) {
	// time.Parse defaults the year to 0, which rejects Feb 29; parse in a leap year.
	t, err := time.Parse("2006 "+logcatLayout, "2000 "+normalizeMillis(s))
	if err != nil {
		return LogTime{}, fmt.Errorf("parse logcat time %q: %w", s, err)
	}
	return LogTime{
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
		Milli:  t.Nanosecond() / int(time.Millisecond),
	}, nil
}

// normalizeMillis pads or truncates the fractional part to three digits.
func normalizeMillis(s string) string {
	dot := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return s + ".000"
	}
	frac := s[dot+1:]
	switch {
	case len(frac) > 3:
		frac = frac[:3]
	case len(frac) < 3:
		frac += "000"[:3-len(frac)]
	}
	return s[:dot+1] + frac
}

// IsZero reports whether t was never set.
func (t LogTime) IsZero() bool { return t == LogTime{} }

// In builds the instant for the given year and location.
func (t LogTime) In(year int, loc *time.Location) time.Time {
	return time.Date(year, t.Month, t.Day, t.Hour, t.Minute, t.Second, t.Milli*int(time.Millisecond), loc)
}

// halfYear bounds how far a resolved stamp may sit from its reference.
const halfYear = 183 * 24 * time.Hour

// Resolve places t in the year of ref, using ref's location. A stamp that
// lands more than half a year after ref is taken from the previous year and
// one more than half a year before it from the next, so lines keep their
// order across New Year in either direction.
func (t LogTime) Resolve(ref time.Time) time.Time {
	resolved := t.In(ref.Year(), ref.Location())
	switch {
	case resolved.Sub(ref) > halfYear:
		resolved = t.In(ref.Year()-1, ref.Location())
	case ref.Sub(resolved) > halfYear:
		resolved = t.In(ref.Year()+1, ref.Location())
	}
	return resolved
}

// After reports whether t, resolved against ref, is strictly later than ref.
func (t LogTime) After(ref time.Time) bool {
	return t.Resolve(ref).After(ref)
}

func (t LogTime) String() string {
	return fmt.Sprintf("%02d-%02d %02d:%02d:%02d.%03d", int(t.Month), t.Day, t.Hour, t.Minute, t.Second, t.Milli)
}

// InstrLayout is the playback instrumentation sub-timestamp layout. Go accepts
// any fractional second after the seconds field when parsing.
const InstrLayout = "2006-01-02T15:04:05"

// ParseInstr parses an instrumentation timestamp in loc and returns it as
// Unix epoch milliseconds.
func ParseInstr(s string, loc *time.Location) (uint64, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(InstrLayout, s, loc)
	if err != nil {
		return 0, fmt.Errorf("parse instrumentation time %q: %w", s, err)
	}
	ms := t.UnixMilli()
	if ms < 0 {
		return 0, fmt.Errorf("instrumentation time %q is before the epoch", s)
	}
	return uint64(ms), nil
}

// EpochMillis converts t to Unix epoch milliseconds, clamping pre-epoch times to 0.
func EpochMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
