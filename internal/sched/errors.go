package sched

import "errors"

var (
	// ErrEntryLimit is returned by the fingerprint scanner when a tree holds
	// more entries than the configured limit.
	ErrEntryLimit = errors.New("entry limit exceeded")

	// ErrBitrot is wrapped by tools that find modified content in an
	// unchanged file between two snapshots.
	ErrBitrot = errors.New("bitrot detected")

	// ErrDirectoryNotFound is returned when an operation names an unknown directory.
	ErrDirectoryNotFound = errors.New("directory not found")

	// ErrUnknownSetting is returned when a settings key is not recognised.
	ErrUnknownSetting = errors.New("unknown setting")

	// ErrStopped is returned when work is posted to a loop that is no longer running.
	ErrStopped = errors.New("scheduler stopped")
)
