package capability

import (
	"math"
	"time"
)

// Args is the validated argument mapping handed to an executor. JSON
// numbers arrive as float64; the getters paper over that.
type Args map[string]any

// String returns a string argument, or the fallback when absent.
func (a Args) String(name, fallback string) string {
	if v, ok := a[name].(string); ok {
		return v
	}
	return fallback
}

// Int returns an integer argument, or the fallback when absent.
func (a Args) Int(name string, fallback int) int {
	if v, ok := a[name]; ok {
		if f, isNum := asFloat(v); isNum && f == math.Trunc(f) {
			return int(f)
		}
	}
	return fallback
}

// Float returns a numeric argument, or the fallback when absent.
func (a Args) Float(name string, fallback float64) float64 {
	if v, ok := a[name]; ok {
		if f, isNum := asFloat(v); isNum {
			return f
		}
	}
	return fallback
}

// Bool returns a boolean argument, or the fallback when absent.
func (a Args) Bool(name string, fallback bool) bool {
	if v, ok := a[name].(bool); ok {
		return v
	}
	return fallback
}

// Time parses a timestamp argument, accepting RFC 3339 or bare dates.
// ok is false when the argument is absent or unparseable.
func (a Args) Time(name string) (time.Time, bool) {
	s, present := a[name].(string)
	if !present {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
