package sched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// MinFrequency is the floor applied to a directory's configured frequency.
	MinFrequency = 60 * time.Second
	// DefaultFrequency is used for directories added without a frequency.
	DefaultFrequency = 24 * time.Hour
	// ErrorRetryDelay is the backoff after a failed evaluation.
	ErrorRetryDelay = 300 * time.Second
)

// Engine decides, per directory, whether to back up, prune and scan for
// bitrot, and records the outcome on the directory.
type Engine struct {
	scanner Scanner
	clock   Clock
	logger  Logger
}

// NewEngine creates an Engine.
func NewEngine(scanner Scanner, clock Clock, logger Logger) *Engine {
	return &Engine{scanner: scanner, clock: clock, logger: logger}
}

// Process evaluates d against s using tool and mutates d with the result.
// Any failure is stored in d.Error and returned; it never escapes as a panic
// into other directories.
func (e *Engine) Process(ctx context.Context, tool Tool, d *Directory, s Settings) error {
	d.Error = ""
	if err := e.process(ctx, tool, d, s); err != nil {
		e.logger.Error("backup failed", "path", d.Path, "error", err)
		d.Error = err.Error()
		return err
	}
	return nil
}

func (e *Engine) process(ctx context.Context, tool Tool, d *Directory, s Settings) error {
	if _, err := os.Stat(d.Path); err != nil {
		return e.vanished(ctx, tool, d, s)
	}

	shouldRun := e.changed(d, s)

	needsPrune := s.PruneEnabled && !e.clock.Now().Before(d.LastPrune.Add(s.PruneInterval))
	fullRead := needsPrune && s.BitrotDetection
	if fullRead {
		shouldRun = true
	}
	if !shouldRun {
		e.logger.Info("skipping unchanged directory", "path", d.Path)
		return nil
	}

	summary, err := tool.Backup(ctx, d.Path, d.Tag(), d.Exclusions, fullRead)
	if err != nil {
		return fmt.Errorf("backing up %s: %w", d.Path, err)
	}
	d.Summary = summary
	d.BackupsSincePermanent++

	if !needsPrune {
		return nil
	}
	if s.BitrotDetection {
		e.logger.Info("checking for bitrot", "path", d.Path)
		last, err := tool.BitrotScan(ctx, d.Tag(), d.BitrotSnapshot)
		if err != nil {
			return fmt.Errorf("bitrot scan of %s: %w", d.Path, err)
		}
		d.BitrotSnapshot = last
	}
	e.logger.Info("pruning snapshots", "path", d.Path)
	if err := tool.Prune(ctx, d.Tag()); err != nil {
		return fmt.Errorf("pruning %s: %w", d.Path, err)
	}
	d.LastPrune = e.clock.Now()
	return nil
}

// vanished handles a directory whose path no longer exists.
func (e *Engine) vanished(ctx context.Context, tool Tool, d *Directory, s Settings) error {
	if s.PreserveVanished && d.BackupsSincePermanent > 0 {
		if err := e.tagLatestPermanent(ctx, tool, d); err != nil {
			e.logger.Error("tagging vanished snapshot failed", "path", d.Path, "error", err)
		}
	}

	if d.Enabled == EnabledYes {
		return fmt.Errorf("directory not found: %s", d.Path)
	}
	if d.Fingerprint == PrescanDisabled {
		d.Fingerprint = FingerprintUnknown
	}
	return nil
}

func (e *Engine) tagLatestPermanent(ctx context.Context, tool Tool, d *Directory) error {
	snaps, err := tool.ListSnapshots(ctx, d.Tag(), 1)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil
	}
	latest := snaps[len(snaps)-1]
	e.logger.Info("path vanished, tagging latest snapshot permanent", "path", d.Path, "snapshot", latest.ShortID)
	if err := tool.TagSnapshot(ctx, latest.ID, PermanentTag, TagAdd); err != nil {
		return fmt.Errorf("tagging snapshot %s: %w", latest.ShortID, err)
	}
	d.BackupsSincePermanent = 0
	return nil
}

// changed runs the pre-scan and reports whether the directory needs a backup.
func (e *Engine) changed(d *Directory, s Settings) bool {
	if d.Fingerprint == PrescanDisabled || s.PrescanLimit <= 0 {
		return true
	}

	fp, err := e.scanner.Fingerprint(d.Path, s.PrescanLimit)
	switch {
	case errors.Is(err, ErrEntryLimit):
		e.logger.Info("disabling pre-scan", "path", d.Path, "limit", s.PrescanLimit)
		d.Fingerprint = PrescanDisabled
		return true
	case err != nil:
		e.logger.Error("pre-scan failed", "path", d.Path, "error", err)
		return true
	case fp != d.Fingerprint:
		d.Fingerprint = fp
		return true
	default:
		return false
	}
}

// Finish stamps the run time and next run on d and persists it.
func (e *Engine) Finish(store Store, d *Directory) error {
	now := e.clock.Now()
	d.LastRun = now
	d.NextRun = NextRun(d, now)
	if err := store.SaveDirectoryResult(d); err != nil {
		return fmt.Errorf("saving result for %s: %w", d.Path, err)
	}
	return nil
}

// NextRun returns when d is due again after an evaluation finishing at now.
func NextRun(d *Directory, now time.Time) time.Time {
	if d.Error != "" {
		return now.Add(ErrorRetryDelay)
	}
	freq := d.Frequency
	if freq < MinFrequency {
		freq = MinFrequency
	}
	return now.Add(freq)
}
