package testutil

import (
	"context"
	"fmt"
	"sync"

	"rsched/internal/sched"
)

// ToolCall records one invocation of a FakeTool method.
type ToolCall struct {
	Method string
	Path   string // tag, path or snapshot id depending on Method
	Force  bool
}

// FakeTool is an in-memory sched.Tool. Errors and results are configured by
// setting the exported fields before use. Safe for concurrent use.
type FakeTool struct {
	mu    sync.Mutex
	calls []ToolCall

	Snapshots  []sched.Snapshot
	Summary    string
	BitrotLast string

	BackupErr error
	CheckErr  error
	PruneErr  error
	BitrotErr error
	ListErr   error
	TagErr    error

	// BackupHook, when set, runs inside Backup before it returns.
	BackupHook func(path string)
}

var _ sched.Tool = (*FakeTool)(nil)

func NewFakeTool() *FakeTool {
	return &FakeTool{Summary: `{"message_type":"summary"}`}
}

func (f *FakeTool) record(c ToolCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

// Calls returns a copy of the recorded invocations.
func (f *FakeTool) Calls() []ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolCall(nil), f.calls...)
}

// Methods returns the names of the recorded invocations in order.
func (f *FakeTool) Methods() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// Count returns how many times method was invoked.
func (f *FakeTool) Count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *FakeTool) ListSnapshots(_ context.Context, tag string, latest int) ([]sched.Snapshot, error) {
	f.record(ToolCall{Method: "ListSnapshots", Path: tag})
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	snaps := f.Snapshots
	if latest > 0 && len(snaps) > latest {
		snaps = snaps[len(snaps)-latest:]
	}
	return snaps, nil
}

func (f *FakeTool) TagSnapshot(_ context.Context, id, tag string, _ sched.TagAction) error {
	f.record(ToolCall{Method: "TagSnapshot", Path: id})
	return f.TagErr
}

func (f *FakeTool) Backup(_ context.Context, path, _, _ string, forceFullRead bool) (string, error) {
	f.record(ToolCall{Method: "Backup", Path: path, Force: forceFullRead})
	if f.BackupHook != nil {
		f.BackupHook(path)
	}
	if f.BackupErr != nil {
		return "", f.BackupErr
	}
	return f.Summary, nil
}

func (f *FakeTool) CheckSegment(_ context.Context, segment, total int) error {
	f.record(ToolCall{Method: "CheckSegment", Path: fmt.Sprintf("%d/%d", segment, total)})
	return f.CheckErr
}

func (f *FakeTool) Prune(_ context.Context, tag string) error {
	f.record(ToolCall{Method: "Prune", Path: tag})
	return f.PruneErr
}

func (f *FakeTool) BitrotScan(_ context.Context, tag, _ string) (string, error) {
	f.record(ToolCall{Method: "BitrotScan", Path: tag})
	if f.BitrotErr != nil {
		return "", f.BitrotErr
	}
	return f.BitrotLast, nil
}
