package sched

import (
	"context"
	"time"
)

// Status keys for scheduler-wide state.
const (
	StatusLastFullCheck     = "last_full_check"
	StatusFullCheckSegment  = "last_full_check_segment"
	StatusLastAutoDiscovery = "last_auto_discovery"
)

// Store persists settings, directories, scheduler status and task history.
// Find methods return (nil, nil) when nothing matches.
type Store interface {
	ConfigValues() (map[string]string, error)
	SetConfigValue(key, value string) error

	ListDirectories() ([]*Directory, error)
	FindDirectory(id string) (*Directory, error)
	FindDirectoryByPath(path string) (*Directory, error)
	CreateDirectory(path string, enabled Enablement, frequency time.Duration, exclusions string) (*Directory, error)
	// UpdateDirectorySettings persists the user-editable fields: enablement,
	// frequency and exclusions.
	UpdateDirectorySettings(d *Directory) error
	// SaveDirectoryResult persists the outcome of a backup evaluation.
	SaveDirectoryResult(d *Directory) error
	// ResetNextRun makes the directory due on the next scheduler pass.
	ResetNextRun(id string) error
	DeleteDirectory(id string) error

	Status(key string) (string, bool, error)
	SetStatus(key, value string) error

	LoadUpdateState() (UpdateState, error)
	SaveUpdateState(st UpdateState) error

	RecordTaskRun(run *TaskRun) error
	ListTaskRuns(limit int) ([]*TaskRun, error)
}

// Tool drives the external backup program against one repository.
type Tool interface {
	// ListSnapshots returns snapshots carrying tag, oldest first. A positive
	// latest limits the result to the most recent snapshots.
	ListSnapshots(ctx context.Context, tag string, latest int) ([]Snapshot, error)
	TagSnapshot(ctx context.Context, id, tag string, action TagAction) error
	// Backup creates a snapshot of path and returns a one-line summary.
	Backup(ctx context.Context, path, tag, exclusions string, forceFullRead bool) (string, error)
	// CheckSegment verifies data subset segment/total of the repository.
	CheckSegment(ctx context.Context, segment, total int) error
	// Prune forgets snapshots for tag per the retention policy, keeping
	// permanent snapshots, and prunes unreferenced data.
	Prune(ctx context.Context, tag string) error
	// BitrotScan compares consecutive snapshots of tag starting at since and
	// returns the id of the last snapshot examined. The error wraps ErrBitrot
	// when modified content is found in unchanged files.
	BitrotScan(ctx context.Context, tag, since string) (string, error)
}

// ToolFactory builds a Tool bound to a repository.
type ToolFactory func(repo Repository) Tool

// Credentials supplies the repository password.
type Credentials interface {
	// Password returns the stored password; ok is false when none is stored.
	Password() (password string, ok bool, err error)
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(title, body string) error
}

// Discoverer proposes directories worth backing up.
type Discoverer interface {
	Discover(ctx context.Context) ([]Candidate, error)
}

// UpdateChecker looks up the latest published release.
type UpdateChecker interface {
	// Check returns the latest release when it is newer than the running
	// version, or nil when the running version is current.
	Check(ctx context.Context) (*Release, error)
}

// CacheResetter clears the backup program's local cache.
type CacheResetter interface {
	Reset() error
}

// Dispatcher runs functions on the owner context.
type Dispatcher interface {
	// Post schedules fn and reports whether it was accepted.
	Post(fn func()) bool
}

// Metrics receives scheduler and queue observations.
type Metrics interface {
	TaskSubmitted(kind string)
	TaskRejected(kind string)
	TaskCompleted(kind string, err error, elapsed time.Duration)
	QueueDepth(n int)
	PassCompleted(elapsed time.Duration, err error)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) TaskSubmitted(string)                       {}
func (NopMetrics) TaskRejected(string)                        {}
func (NopMetrics) TaskCompleted(string, error, time.Duration) {}
func (NopMetrics) QueueDepth(int)                             {}
func (NopMetrics) PassCompleted(time.Duration, error)         {}
