package sched_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"rsched/internal/sched"
	"rsched/internal/testutil"
)

type engineFixture struct {
	clock   *testutil.StubClock
	scanner *testutil.FakeScanner
	tool    *testutil.FakeTool
	engine  *sched.Engine
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		clock:   testutil.FixedClock(),
		scanner: testutil.NewFakeScanner(),
		tool:    testutil.NewFakeTool(),
	}
	f.engine = sched.NewEngine(f.scanner, f.clock, sched.NewNopLogger())
	return f
}

func (f *engineFixture) process(t *testing.T, d *sched.Directory, s sched.Settings) error {
	t.Helper()
	return f.engine.Process(context.Background(), f.tool, d, s)
}

func newDir(path string, enabled sched.Enablement) *sched.Directory {
	return &sched.Directory{ID: "d1", Path: path, Enabled: enabled, Frequency: 24 * time.Hour}
}

func TestEngine_SkipsUnchanged(t *testing.T) {
	f := newEngineFixture()
	d := newDir(t.TempDir(), sched.EnabledYes)
	s := sched.DefaultSettings()

	if err := f.process(t, d, s); err != nil {
		t.Fatalf("Process() first error = %v", err)
	}
	if f.tool.Count("Backup") != 1 {
		t.Fatalf("first pass backups = %d, want 1", f.tool.Count("Backup"))
	}
	if d.Fingerprint != "fp:"+d.Path || d.BackupsSincePermanent != 1 || d.Summary == "" {
		t.Errorf("after backup = %+v", d)
	}

	before := len(f.tool.Calls())
	if err := f.process(t, d, s); err != nil {
		t.Fatalf("Process() second error = %v", err)
	}
	if got := len(f.tool.Calls()) - before; got != 0 {
		t.Errorf("second pass tool calls = %d, want 0", got)
	}

	f.scanner.Fingerprints[d.Path] = "changed"
	if err := f.process(t, d, s); err != nil {
		t.Fatalf("Process() third error = %v", err)
	}
	if f.tool.Count("Backup") != 2 {
		t.Errorf("backups after change = %d, want 2", f.tool.Count("Backup"))
	}
}

func TestEngine_EntryLimitDisablesPrescan(t *testing.T) {
	f := newEngineFixture()
	d := newDir(t.TempDir(), sched.EnabledYes)
	f.scanner.Errs[d.Path] = fmt.Errorf("scanning: %w", sched.ErrEntryLimit)
	s := sched.DefaultSettings()
	s.PrescanLimit = 1000

	for i := 1; i <= 3; i++ {
		if err := f.process(t, d, s); err != nil {
			t.Fatalf("Process() #%d error = %v", i, err)
		}
		if d.Fingerprint != sched.PrescanDisabled {
			t.Fatalf("Fingerprint = %q, want PrescanDisabled", d.Fingerprint)
		}
		if f.tool.Count("Backup") != i {
			t.Errorf("backups after pass %d = %d", i, f.tool.Count("Backup"))
		}
	}
	if f.scanner.Scans() != 1 {
		t.Errorf("scans = %d, want 1", f.scanner.Scans())
	}
}

func TestEngine_ScanErrorStillBacksUp(t *testing.T) {
	f := newEngineFixture()
	d := newDir(t.TempDir(), sched.EnabledYes)
	f.scanner.Errs[d.Path] = errors.New("permission denied")

	if err := f.process(t, d, sched.DefaultSettings()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if f.tool.Count("Backup") != 1 {
		t.Errorf("backups = %d, want 1", f.tool.Count("Backup"))
	}
	if d.Fingerprint != "" {
		t.Errorf("Fingerprint = %q, want unchanged", d.Fingerprint)
	}
}

func TestEngine_PruneWithBitrotCheck(t *testing.T) {
	f := newEngineFixture()
	d := newDir(t.TempDir(), sched.EnabledYes)
	d.Fingerprint = "fp:" + d.Path // unchanged, but prune forces a run
	f.tool.BitrotLast = "snap-9"
	s := sched.DefaultSettings()
	s.PruneEnabled = true

	if err := f.process(t, d, s); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	want := []string{"Backup", "BitrotScan", "Prune"}
	if got := f.tool.Methods(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if !f.tool.Calls()[0].Force {
		t.Error("backup before bitrot check did not force a full read")
	}
	if !d.LastPrune.Equal(f.clock.Now()) || d.BitrotSnapshot != "snap-9" {
		t.Errorf("LastPrune = %v, BitrotSnapshot = %q", d.LastPrune, d.BitrotSnapshot)
	}

	// Not due again until the prune interval elapses.
	f.clock.Advance(time.Hour)
	if err := f.process(t, d, s); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if f.tool.Count("Prune") != 1 {
		t.Errorf("prunes = %d, want 1", f.tool.Count("Prune"))
	}
}

func TestEngine_PruneWithoutBitrot(t *testing.T) {
	f := newEngineFixture()
	d := newDir(t.TempDir(), sched.EnabledYes)
	s := sched.DefaultSettings()
	s.PruneEnabled = true
	s.BitrotDetection = false

	if err := f.process(t, d, s); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if f.tool.Count("BitrotScan") != 0 || f.tool.Count("Prune") != 1 {
		t.Errorf("calls = %v", f.tool.Methods())
	}
	if f.tool.Calls()[0].Force {
		t.Error("backup forced a full read without bitrot detection")
	}
}

func TestEngine_BitrotAbortsPrune(t *testing.T) {
	f := newEngineFixture()
	d := newDir(t.TempDir(), sched.EnabledYes)
	f.tool.BitrotErr = fmt.Errorf("snapshot abc: %w in 1 files", sched.ErrBitrot)
	s := sched.DefaultSettings()
	s.PruneEnabled = true

	err := f.process(t, d, s)
	if !errors.Is(err, sched.ErrBitrot) {
		t.Fatalf("Process() error = %v, want ErrBitrot", err)
	}
	if f.tool.Count("Prune") != 0 {
		t.Error("prune ran after bitrot was detected")
	}
	if !d.LastPrune.IsZero() {
		t.Errorf("LastPrune = %v, want unchanged", d.LastPrune)
	}
	if d.Error == "" {
		t.Error("Error not recorded")
	}
}

func TestEngine_BackupFailure(t *testing.T) {
	f := newEngineFixture()
	d := newDir(t.TempDir(), sched.EnabledYes)
	d.Error = "old error"
	f.tool.BackupErr = errors.New("repository locked")

	if err := f.process(t, d, sched.DefaultSettings()); err == nil {
		t.Fatal("Process() error = nil, want error")
	}
	if d.BackupsSincePermanent != 0 {
		t.Errorf("BackupsSincePermanent = %d, want 0", d.BackupsSincePermanent)
	}
	if d.Error == "" || d.Error == "old error" {
		t.Errorf("Error = %q, want new failure", d.Error)
	}

	f.tool.BackupErr = nil
	f.scanner.Fingerprints[d.Path] = "different"
	if err := f.process(t, d, sched.DefaultSettings()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if d.Error != "" {
		t.Errorf("Error = %q, want cleared", d.Error)
	}
}

func TestEngine_Vanished(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	snaps := []sched.Snapshot{{ID: "s1", ShortID: "s1"}, {ID: "s2", ShortID: "s2"}}

	tests := []struct {
		name        string
		enabled     sched.Enablement
		sinceTag    int
		preserve    bool
		fingerprint string
		wantErr     bool
		wantTagged  bool
		wantCounter int
		wantPrint   string
	}{
		{"yes directory errors and tags", sched.EnabledYes, 2, true, "abc", true, true, 0, "abc"},
		{"auto directory is silent", sched.EnabledAuto, 2, true, "abc", false, true, 0, "abc"},
		{"nothing new since last tag", sched.EnabledAuto, 0, true, "abc", false, false, 0, "abc"},
		{"preservation disabled", sched.EnabledAuto, 3, false, "abc", false, false, 3, "abc"},
		{"disabled prescan is re-armed", sched.EnabledAuto, 0, true, sched.PrescanDisabled, false, false, 0, sched.FingerprintUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture()
			f.tool.Snapshots = snaps
			d := newDir(missing, tt.enabled)
			d.BackupsSincePermanent = tt.sinceTag
			d.Fingerprint = tt.fingerprint
			s := sched.DefaultSettings()
			s.PreserveVanished = tt.preserve

			err := f.process(t, d, s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Process() error = %v, wantErr %v", err, tt.wantErr)
			}
			tagged := f.tool.Count("TagSnapshot") == 1
			if tagged != tt.wantTagged {
				t.Errorf("tagged = %v, want %v", tagged, tt.wantTagged)
			}
			if tagged && f.tool.Calls()[1].Path != "s2" {
				t.Errorf("tagged snapshot = %q, want latest s2", f.tool.Calls()[1].Path)
			}
			if d.BackupsSincePermanent != tt.wantCounter {
				t.Errorf("BackupsSincePermanent = %d, want %d", d.BackupsSincePermanent, tt.wantCounter)
			}
			if d.Fingerprint != tt.wantPrint {
				t.Errorf("Fingerprint = %q, want %q", d.Fingerprint, tt.wantPrint)
			}
			if f.tool.Count("Backup") != 0 {
				t.Error("backup ran for a missing path")
			}
		})
	}
}

func TestEngine_VanishedTagFailureKeepsCounter(t *testing.T) {
	f := newEngineFixture()
	f.tool.Snapshots = []sched.Snapshot{{ID: "s1"}}
	f.tool.TagErr = errors.New("repository locked")
	d := newDir(filepath.Join(t.TempDir(), "gone"), sched.EnabledAuto)
	d.BackupsSincePermanent = 4

	if err := f.process(t, d, sched.DefaultSettings()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if d.BackupsSincePermanent != 4 {
		t.Errorf("BackupsSincePermanent = %d, want 4", d.BackupsSincePermanent)
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		dir  sched.Directory
		want time.Duration
	}{
		{"frequency", sched.Directory{Frequency: 2 * time.Hour}, 2 * time.Hour},
		{"minimum frequency", sched.Directory{Frequency: 5 * time.Second}, sched.MinFrequency},
		{"zero frequency", sched.Directory{}, sched.MinFrequency},
		{"error backoff", sched.Directory{Frequency: 2 * time.Hour, Error: "boom"}, sched.ErrorRetryDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sched.NextRun(&tt.dir, now)
			if got.Sub(now) != tt.want {
				t.Errorf("NextRun() - now = %v, want %v", got.Sub(now), tt.want)
			}
		})
	}
}

func TestEngine_Finish(t *testing.T) {
	f := newEngineFixture()
	store := testutil.NewTestStore(t, f.clock)
	d, err := store.CreateDirectory("/data", sched.EnabledYes, 10*time.Second, "")
	if err != nil {
		t.Fatalf("CreateDirectory() error = %v", err)
	}
	d.Summary = "summary"

	if err := f.engine.Finish(store, d); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	got, err := store.FindDirectory(d.ID)
	if err != nil {
		t.Fatalf("FindDirectory() error = %v", err)
	}
	if !got.LastRun.Equal(f.clock.Now()) {
		t.Errorf("LastRun = %v, want %v", got.LastRun, f.clock.Now())
	}
	if got.NextRun.Sub(got.LastRun) < sched.MinFrequency {
		t.Errorf("NextRun - LastRun = %v, want >= %v", got.NextRun.Sub(got.LastRun), sched.MinFrequency)
	}
	if got.Summary != "summary" {
		t.Errorf("Summary = %q", got.Summary)
	}
}
