package sched

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	// FullCheckSegments is the number of data subsets a full check is split into.
	FullCheckSegments = 100
	// NoSegment marks that no full-check cycle is in progress.
	NoSegment = -1
)

// IntegrityChecker verifies the repository one segment at a time. Segment 0
// resets the local cache; segments 1..N each read 1/N of the repository data.
type IntegrityChecker struct {
	cache    CacheResetter
	segments int
	logger   Logger
}

// NewIntegrityChecker creates a checker splitting the repository into FullCheckSegments.
func NewIntegrityChecker(cache CacheResetter, logger Logger) *IntegrityChecker {
	return &IntegrityChecker{cache: cache, segments: FullCheckSegments, logger: logger}
}

// Segments returns N.
func (c *IntegrityChecker) Segments() int { return c.segments }

// Next returns the segment to run given the last completed one.
func (c *IntegrityChecker) Next(last int) int {
	if last >= 0 && last < c.segments {
		return last + 1
	}
	return 0
}

// Run executes one segment.
func (c *IntegrityChecker) Run(ctx context.Context, tool Tool, segment int) error {
	if segment < 0 || segment > c.segments {
		return fmt.Errorf("segment %d out of range 0..%d", segment, c.segments)
	}
	if segment == 0 {
		c.logger.Info("full check starting, resetting cache")
		if c.cache == nil {
			return nil
		}
		if err := c.cache.Reset(); err != nil {
			return fmt.Errorf("resetting cache: %w", err)
		}
		return nil
	}

	c.logger.Info("checking repository segment", "segment", segment, "of", c.segments)
	if err := tool.CheckSegment(ctx, segment, c.segments); err != nil {
		return fmt.Errorf("checking segment %d/%d: %w", segment, c.segments, err)
	}
	return nil
}

// Complete records that segment finished successfully.
func (c *IntegrityChecker) Complete(store Store, segment int, now time.Time) error {
	if segment == c.segments {
		if err := store.SetStatus(StatusLastFullCheck, formatUnix(now)); err != nil {
			return fmt.Errorf("recording full check: %w", err)
		}
		segment = NoSegment
	}
	if err := store.SetStatus(StatusFullCheckSegment, strconv.Itoa(segment)); err != nil {
		return fmt.Errorf("recording segment: %w", err)
	}
	return nil
}

// ResetFullCheck makes a fresh full-check cycle due immediately. Any cycle in
// progress is abandoned so the next one starts with the cache reset.
func ResetFullCheck(store Store) error {
	if err := store.SetStatus(StatusLastFullCheck, "0"); err != nil {
		return fmt.Errorf("resetting full check: %w", err)
	}
	if err := store.SetStatus(StatusFullCheckSegment, strconv.Itoa(NoSegment)); err != nil {
		return fmt.Errorf("resetting segment: %w", err)
	}
	return nil
}
