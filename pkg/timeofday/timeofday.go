// Package timeofday provides a structured time-of-day value for dosage
// schedules. Times are stored as minutes since midnight with defined
// comparison and day-wrap distance semantics, so "HH:MM" strings are parsed
// once at the edge instead of on every use.
package timeofday

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay is the number of minutes in a calendar day.
const MinutesPerDay = 24 * 60

// TimeOfDay is a clock time with minute resolution, independent of date
// and location.
type TimeOfDay int

// Parse parses a "HH:MM" string (24-hour clock).
func Parse(s string) (TimeOfDay, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}

	return TimeOfDay(hour*60 + minute), nil
}

// MustParse parses a "HH:MM" string and panics on error. For tests and
// fixed configuration values.
func MustParse(s string) TimeOfDay {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FromTime extracts the time-of-day component of t in t's location.
func FromTime(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// Hour returns the hour component (0-23).
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component (0-59).
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int { return int(t) }

// String formats as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// At anchors the time-of-day to the calendar date of day, in day's location.
func (t TimeOfDay) At(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location())
}

// Before reports whether t is earlier in the day than u.
func (t TimeOfDay) Before(u TimeOfDay) bool { return t < u }

// After reports whether t is later in the day than u.
func (t TimeOfDay) After(u TimeOfDay) bool { return t > u }

// DistanceFrom returns the minimum absolute distance between two clock
// times, wrapping across midnight: 23:50 and 00:10 are 20 minutes apart,
// not 23h40m.
func (t TimeOfDay) DistanceFrom(u TimeOfDay) time.Duration {
	d := int(t) - int(u)
	if d < 0 {
		d = -d
	}
	if wrapped := MinutesPerDay - d; wrapped < d {
		d = wrapped
	}
	return time.Duration(d) * time.Minute
}

// MarshalJSON encodes as a "HH:MM" JSON string.
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON decodes from a "HH:MM" JSON string.
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseList parses a slice of "HH:MM" strings, rejecting duplicates.
func ParseList(values []string) ([]TimeOfDay, error) {
	out := make([]TimeOfDay, 0, len(values))
	seen := make(map[TimeOfDay]struct{}, len(values))
	for _, v := range values {
		t, err := Parse(v)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			return nil, fmt.Errorf("duplicate time of day %q", v)
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// Strings formats a slice of times as "HH:MM" strings.
func Strings(times []TimeOfDay) []string {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.String()
	}
	return out
}
