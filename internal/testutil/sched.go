package testutil

import (
	"context"
	"sync"

	"rsched/internal/sched"
)

// SyncDispatcher runs posted functions immediately on the posting goroutine,
// one at a time. It stands in for a running sched.Loop in queue tests.
type SyncDispatcher struct {
	mu     sync.Mutex
	closed bool
}

var _ sched.Dispatcher = (*SyncDispatcher)(nil)

func (d *SyncDispatcher) Post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	fn()
	return true
}

// Close makes further posts fail.
func (d *SyncDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// StaticCredentials returns a fixed password.
type StaticCredentials struct {
	Secret string
	Stored bool
	Err    error
}

func (c StaticCredentials) Password() (string, bool, error) {
	return c.Secret, c.Stored, c.Err
}

// FakeScanner returns a configured fingerprint per path and counts scans.
type FakeScanner struct {
	mu           sync.Mutex
	Fingerprints map[string]string
	Errs         map[string]error
	scans        int
}

var _ sched.Scanner = (*FakeScanner)(nil)

func NewFakeScanner() *FakeScanner {
	return &FakeScanner{Fingerprints: map[string]string{}, Errs: map[string]error{}}
}

func (s *FakeScanner) Fingerprint(root string, _ int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	if err := s.Errs[root]; err != nil {
		return "", err
	}
	if fp, ok := s.Fingerprints[root]; ok {
		return fp, nil
	}
	return "fp:" + root, nil
}

// Scans returns how many times Fingerprint was called.
func (s *FakeScanner) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// CountingResetter counts cache resets.
type CountingResetter struct {
	mu     sync.Mutex
	resets int
	Err    error
}

func (r *CountingResetter) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return r.Err
}

func (r *CountingResetter) Resets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

// StaticDiscoverer returns a fixed candidate list.
type StaticDiscoverer struct {
	Candidates []sched.Candidate
	Err        error
}

func (d StaticDiscoverer) Discover(context.Context) ([]sched.Candidate, error) {
	return d.Candidates, d.Err
}

// StaticUpdates returns a fixed release.
type StaticUpdates struct {
	Latest *sched.Release
	Err    error
}

func (u StaticUpdates) Check(context.Context) (*sched.Release, error) {
	return u.Latest, u.Err
}
