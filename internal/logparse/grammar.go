package logparse

import (
	"math"
	"strconv"
	"strings"
)

// Regular expression fragments shared by the agent line grammars. Each
// fragment is exactly one capturing group.
const (
	// DateTime is the logcat "MM-DD HH:MM:SS.mmm" prefix (no year).
	DateTime = `(\d+-\d+ \d+:\d+:\d+\.\d+)`
	// Int is an unsigned decimal integer.
	Int = `(\d+)`
	// Float is a decimal number using either '.' or ',' as separator.
	Float = `(\d+(?:[.,]\d+)?)`
)

// Maybe is a value that may be absent. The zero Maybe is absent.
type Maybe[T any] struct {
	V  T
	OK bool
}

// Some wraps a present value.
func Some[T any](v T) Maybe[T] { return Maybe[T]{V: v, OK: true} }

// None returns the absent value.
func None[T any]() Maybe[T] { return Maybe[T]{} }

// Get returns the value and whether it is present.
func (m Maybe[T]) Get() (T, bool) { return m.V, m.OK }

// ParseFloat parses s without locale sensitivity: a single ',' is read as
// the decimal separator. Surrounding whitespace is ignored.
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}

// ParseUint parses an unsigned decimal integer.
func ParseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

// MaybeFloat returns the absent marker for text that is not a finite number.
func MaybeFloat(s string) Maybe[float64] {
	f, err := ParseFloat(s)
	if err != nil || math.IsNaN(f) {
		return None[float64]()
	}
	return Some(f)
}

// MaybeInt returns the absent marker for text that is not a signed integer.
func MaybeInt(s string) Maybe[int64] {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return None[int64]()
	}
	return Some(i)
}

// IsComplete reports whether a line carries the closing record marker,
// meaning it was not truncated by a concurrent writer.
func IsComplete(line string) bool {
	return strings.HasSuffix(strings.TrimRight(line, " \t\r"), ">>>")
}
