package sched

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Enablement is the per-directory backup mode.
type Enablement string

const (
	EnabledYes  Enablement = "yes"
	EnabledNo   Enablement = "no"
	EnabledAuto Enablement = "auto" // silently skipped while the path does not exist
)

// ParseEnablement validates a user-supplied enablement value.
func ParseEnablement(s string) (Enablement, error) {
	switch e := Enablement(strings.ToLower(strings.TrimSpace(s))); e {
	case EnabledYes, EnabledNo, EnabledAuto:
		return e, nil
	default:
		return "", fmt.Errorf("invalid enablement %q: want yes, no or auto", s)
	}
}

// Fingerprint sentinels stored in Directory.Fingerprint.
const (
	// PrescanDisabled marks a directory whose tree is too large to fingerprint.
	PrescanDisabled = "0"
	// FingerprintUnknown forces the next evaluation to compute a fresh fingerprint.
	FingerprintUnknown = "1"
)

// PermanentTag is the snapshot tag that exempts a snapshot from pruning.
const PermanentTag = "permanent"

// Directory is one configured backup source and its persisted schedule state.
type Directory struct {
	ID          string
	Path        string
	Enabled     Enablement
	Frequency   time.Duration
	Exclusions  string
	Fingerprint string
	Error       string
	LastRun     time.Time
	NextRun     time.Time
	Summary     string
	LastPrune   time.Time

	BackupsSincePermanent int
	// BitrotSnapshot is the last snapshot id already checked for bitrot.
	BitrotSnapshot string

	CreatedAt time.Time
}

// Tag returns the snapshot tag used for the directory: its path in forward-slash form.
func (d *Directory) Tag() string {
	return filepath.ToSlash(d.Path)
}

// TaskID is the dedup key for the directory's backup task.
func (d *Directory) TaskID() string {
	return "backup_" + d.ID
}

// Active reports whether the scheduler should consider the directory at all.
func (d *Directory) Active() bool {
	return d.Enabled != EnabledNo
}

// Clone returns a copy the caller may mutate without affecting d.
func (d *Directory) Clone() *Directory {
	c := *d
	return &c
}

// Snapshot is one restic snapshot as reported by the tool, oldest first in listings.
type Snapshot struct {
	ID      string
	ShortID string
	Time    time.Time
	Paths   []string
	Tags    []string
}

// HasTag reports whether the snapshot carries the given tag.
func (s Snapshot) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagAction selects whether TagSnapshot adds or removes a tag.
type TagAction int

const (
	TagAdd TagAction = iota
	TagRemove
)

// Repository describes the restic repository a Tool operates on. An empty URL
// means the repository is taken from the process environment.
type Repository struct {
	URL      string
	Password string
	NoLock   bool
}

// Release is a published version of the program.
type Release struct {
	Tag     string
	Version string
	URL     string
}

// UpdateState is the cached result of the last update check.
type UpdateState struct {
	LastCheck time.Time
	LastToast time.Time
	Latest    *Release // newer release, nil when up to date or unknown
	Failed    bool
}

// TaskRun is one finished task execution, kept as history.
type TaskRun struct {
	ID         int64
	TaskID     string
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // "success" or "error"
	Error      string
}

// Candidate is a path proposed by auto-discovery.
type Candidate struct {
	Path       string
	Exclusions string
}
