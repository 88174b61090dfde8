package sched

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleState is the scheduler-wide status, read once per pass.
type ScheduleState struct {
	LastFullCheck     time.Time
	Segment           int
	LastAutoDiscovery time.Time
	Update            UpdateState
}

// LoadScheduleState reads every status value the scheduler needs in one go.
func LoadScheduleState(store Store) (ScheduleState, error) {
	st := ScheduleState{Segment: NoSegment}

	var err error
	if st.LastFullCheck, err = statusTime(store, StatusLastFullCheck); err != nil {
		return st, err
	}
	if st.LastAutoDiscovery, err = statusTime(store, StatusLastAutoDiscovery); err != nil {
		return st, err
	}

	raw, ok, err := store.Status(StatusFullCheckSegment)
	if err != nil {
		return st, fmt.Errorf("reading %s: %w", StatusFullCheckSegment, err)
	}
	if ok && strings.TrimSpace(raw) != "" {
		seg, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return st, fmt.Errorf("parsing %s: %w", StatusFullCheckSegment, err)
		}
		st.Segment = seg
	}

	if st.Update, err = store.LoadUpdateState(); err != nil {
		return st, fmt.Errorf("reading update state: %w", err)
	}
	return st, nil
}

func statusTime(store Store, key string) (time.Time, error) {
	raw, ok, err := store.Status(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s: %w", key, err)
	}
	if !ok {
		return time.Time{}, nil
	}
	t, err := ParseUnix(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
	}
	return t, nil
}

// ParseUnix parses a status timestamp stored as (possibly fractional) unix
// seconds. Zero and empty values yield the zero time.
func ParseUnix(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, err
	}
	if f <= 0 {
		return time.Time{}, nil
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)), nil
}

func formatUnix(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}
