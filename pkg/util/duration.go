package util

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
	year = 365 * day
)

var durationRegexp = regexp.MustCompile(`^(\d+)(y|w|d|h|m|s|ms|us|µs|ns)$`)

var units = []struct {
	name string
	unit time.Duration
}{
	{"y", year},
	{"w", week},
	{"d", day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"us", time.Microsecond},
	{"ns", time.Nanosecond},
}

// ParseDuration parses a duration made of an integer and a single unit, e.g. "1h" or "500ms".
// Besides the units of time.ParseDuration, "d" (day), "w" (week) and "y" (365 days) are
// accepted.
func ParseDuration(s string) (time.Duration, error) {
	matches := durationRegexp.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	unit := matches[2]
	if unit == "µs" {
		unit = "us"
	}
	for _, u := range units {
		if u.name == unit {
			if n > int64(1<<63-1)/int64(u.unit) {
				return 0, fmt.Errorf("duration %q overflows", s)
			}
			return time.Duration(n) * u.unit, nil
		}
	}
	return 0, fmt.Errorf("invalid duration unit %q", unit)
}

// FmtDuration formats d with the largest unit dividing it exactly, in the format accepted by
// ParseDuration. Negative durations are formatted as zero.
func FmtDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	for _, u := range units {
		if d%u.unit == 0 {
			return fmt.Sprintf("%d%s", d/u.unit, u.name)
		}
	}
	return fmt.Sprintf("%dns", d)
}
