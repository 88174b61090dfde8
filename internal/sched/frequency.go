package sched

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	week = 7 * 24 * time.Hour
	day  = 24 * time.Hour
)

var frequencyRe = regexp.MustCompile(`^\s*(?:(\d+)\s*w)?\s*(?:(\d+)\s*d)?\s*(?:(\d+)\s*h)?\s*(?:(\d+)\s*m)?\s*$`)

// ParseFrequency parses a duration written either as plain seconds ("3600")
// or in week/day/hour/minute notation ("1w 2d 3h 4m").
func ParseFrequency(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty frequency")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative frequency %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}

	m := frequencyRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	units := []time.Duration{week, day, time.Hour, time.Minute}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid frequency %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

// FormatFrequency renders d in the notation accepted by ParseFrequency.
// Sub-minute remainders are dropped; a zero duration renders as "0m".
func FormatFrequency(d time.Duration) string {
	if d < time.Minute {
		return "0m"
	}
	var parts []string
	for _, u := range []struct {
		unit   time.Duration
		suffix string
	}{{week, "w"}, {day, "d"}, {time.Hour, "h"}, {time.Minute, "m"}} {
		if n := d / u.unit; n > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, u.suffix))
			d -= n * u.unit
		}
	}
	return strings.Join(parts, " ")
}
