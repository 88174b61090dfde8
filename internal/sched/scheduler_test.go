package sched_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rsched/internal/database"
	"rsched/internal/sched"
	"rsched/internal/testutil"
)

type harness struct {
	clock    *testutil.StubClock
	store    *database.SQLiteStore
	tool     *testutil.FakeTool
	scanner  *testutil.FakeScanner
	cache    *testutil.CountingResetter
	notifier *testutil.RecordingNotifier
	loop     *sched.Loop
	queue    *sched.Queue
	sched    *sched.Scheduler

	mu    sync.Mutex
	repos []sched.Repository
}

func newHarness(t *testing.T, configure ...func(*sched.Deps)) *harness {
	t.Helper()
	h := &harness{
		clock:    testutil.FixedClock(),
		tool:     testutil.NewFakeTool(),
		scanner:  testutil.NewFakeScanner(),
		cache:    &testutil.CountingResetter{},
		notifier: &testutil.RecordingNotifier{},
	}
	h.store = testutil.NewTestStore(t, h.clock)
	if err := h.store.SetConfigValue(sched.KeyRepository, "/srv/repo"); err != nil {
		t.Fatalf("SetConfigValue() error = %v", err)
	}
	h.setStatus(t, sched.StatusLastFullCheck, h.clock.Now())

	logger := sched.NewNopLogger()
	h.loop = sched.NewLoop(logger)
	h.queue = sched.NewQueue(h.loop, logger, sched.WithIdleTimeout(10*time.Millisecond))

	deps := sched.Deps{
		Store:   h.store,
		Queue:   h.queue,
		Loop:    h.loop,
		Engine:  sched.NewEngine(h.scanner, h.clock, logger),
		Checker: sched.NewIntegrityChecker(h.cache, logger),
		Tools: func(repo sched.Repository) sched.Tool {
			h.mu.Lock()
			h.repos = append(h.repos, repo)
			h.mu.Unlock()
			return h.tool
		},
		Credentials: testutil.StaticCredentials{Secret: "pw", Stored: true},
		Notifier:    h.notifier,
		Clock:       h.clock,
		Logger:      logger,
		LookupEnv:   func(string) (string, bool) { return "", false },
	}
	for _, fn := range configure {
		fn(&deps)
	}
	h.sched = sched.NewScheduler(deps)

	go h.loop.Run(context.Background())
	t.Cleanup(func() {
		h.sched.Stop()
		h.queue.Shutdown()
		h.queue.Join()
		h.loop.Stop()
		<-h.loop.Done()
	})
	return h
}

func (h *harness) setStatus(t *testing.T, key string, at time.Time) {
	t.Helper()
	v := "0"
	if !at.IsZero() {
		v = strconv.FormatInt(at.Unix(), 10)
	}
	if err := h.store.SetStatus(key, v); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
}

func (h *harness) status(t *testing.T, key string) string {
	t.Helper()
	v, _, err := h.store.Status(key)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	return v
}

// tick runs one pass on the loop.
func (h *harness) tick(t *testing.T) time.Duration {
	t.Helper()
	var delay time.Duration
	if err := h.loop.Call(context.Background(), func() error {
		delay = h.sched.Tick()
		return nil
	}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	return delay
}

func (h *harness) barrier(t *testing.T) {
	t.Helper()
	if err := h.loop.Call(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

// settle waits until the queue is drained and every follow-up pass has run.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		h.queue.Join()
		h.barrier(t)
		h.barrier(t)
		if !h.queue.Alive() && h.queue.Len() == 0 {
			return
		}
	}
	t.Fatal("queue did not settle")
}

func (h *harness) addDir(t *testing.T, path string, enabled sched.Enablement, nextRun time.Time) *sched.Directory {
	t.Helper()
	d, err := h.store.CreateDirectory(path, enabled, 24*time.Hour, "")
	if err != nil {
		t.Fatalf("CreateDirectory() error = %v", err)
	}
	if !nextRun.IsZero() {
		d.NextRun = nextRun
		if err := h.store.SaveDirectoryResult(d); err != nil {
			t.Fatalf("SaveDirectoryResult() error = %v", err)
		}
	}
	return d
}

func (h *harness) countTitle(title string) int {
	n := 0
	for _, got := range h.notifier.Titles() {
		if got == title {
			n++
		}
	}
	return n
}

func TestScheduler_DueDirectoryBacksUpOnce(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	d := h.addDir(t, t.TempDir(), sched.EnabledYes, time.Time{})
	d.LastRun = now.Add(-90000 * time.Second)
	d.NextRun = d.LastRun.Add(24 * time.Hour)
	if err := h.store.SaveDirectoryResult(d); err != nil {
		t.Fatalf("SaveDirectoryResult() error = %v", err)
	}

	h.tick(t)
	h.tick(t)
	h.settle(t)

	if got := h.tool.Count("Backup"); got != 1 {
		t.Fatalf("backups = %d, want 1", got)
	}
	got, err := h.store.FindDirectory(d.ID)
	if err != nil {
		t.Fatalf("FindDirectory() error = %v", err)
	}
	if !got.LastRun.Equal(now) || !got.NextRun.Equal(now.Add(24*time.Hour)) {
		t.Errorf("LastRun = %v, NextRun = %v", got.LastRun, got.NextRun)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}

	runs, err := h.store.ListTaskRuns(10)
	if err != nil {
		t.Fatalf("ListTaskRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != d.TaskID() || runs[0].Kind != "backup" || runs[0].Status != "success" {
		t.Errorf("task runs = %+v", runs)
	}

	// A day later the tree is unchanged, so the pass touches nothing.
	before := len(h.tool.Calls())
	h.clock.Advance(25 * time.Hour)
	h.tick(t)
	h.settle(t)
	if got := len(h.tool.Calls()) - before; got != 0 {
		t.Errorf("tool calls on unchanged pass = %d, want 0", got)
	}
}

func TestScheduler_SkipsDisabledAndFuture(t *testing.T) {
	h := newHarness(t)
	h.addDir(t, t.TempDir(), sched.EnabledNo, time.Time{})
	h.addDir(t, t.TempDir(), sched.EnabledYes, h.clock.Now().Add(10*time.Minute))

	if got := h.tick(t); got != 10*time.Minute {
		t.Errorf("Tick() = %v, want 10m", got)
	}
	h.settle(t)
	if len(h.tool.Calls()) != 0 {
		t.Errorf("tool calls = %v, want none", h.tool.Methods())
	}
}

func TestScheduler_Repository(t *testing.T) {
	t.Run("password missing", func(t *testing.T) {
		h := newHarness(t, func(d *sched.Deps) {
			d.Credentials = testutil.StaticCredentials{}
		})
		h.addDir(t, t.TempDir(), sched.EnabledYes, time.Time{})

		if got := h.tick(t); got != sched.CredentialRetry {
			t.Errorf("Tick() = %v, want %v", got, sched.CredentialRetry)
		}
		h.settle(t)
		if h.countTitle("Password Required") != 1 {
			t.Errorf("notifications = %v", h.notifier.Titles())
		}
		if h.tool.Count("Backup") != 0 {
			t.Error("backup ran without a password")
		}
	})

	t.Run("no repository", func(t *testing.T) {
		h := newHarness(t)
		if err := h.store.SetConfigValue(sched.KeyRepository, ""); err != nil {
			t.Fatalf("SetConfigValue() error = %v", err)
		}
		h.addDir(t, t.TempDir(), sched.EnabledYes, time.Time{})

		if got := h.tick(t); got != sched.IdleWake {
			t.Errorf("Tick() = %v, want %v", got, sched.IdleWake)
		}
		h.settle(t)
		if len(h.tool.Calls()) != 0 || len(h.notifier.Sent()) != 0 {
			t.Errorf("calls = %v, notifications = %v", h.tool.Methods(), h.notifier.Titles())
		}
	})

	t.Run("repository from environment", func(t *testing.T) {
		h := newHarness(t, func(d *sched.Deps) {
			d.LookupEnv = func(key string) (string, bool) {
				if key == "RESTIC_REPOSITORY" {
					return "s3:bucket/repo", true
				}
				return "", false
			}
		})
		if err := h.store.SetConfigValue(sched.KeyRepository, ""); err != nil {
			t.Fatalf("SetConfigValue() error = %v", err)
		}
		h.addDir(t, t.TempDir(), sched.EnabledYes, time.Time{})

		h.tick(t)
		h.settle(t)
		if h.tool.Count("Backup") != 1 {
			t.Fatalf("backups = %d, want 1", h.tool.Count("Backup"))
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.repos) == 0 || h.repos[0].URL != "" || h.repos[0].Password != "" {
			t.Errorf("repos = %+v, want empty URL", h.repos)
		}
	})

	t.Run("configured repository", func(t *testing.T) {
		h := newHarness(t)
		h.tick(t)
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.repos) != 1 || h.repos[0].URL != "/srv/repo" || h.repos[0].Password != "pw" {
			t.Errorf("repos = %+v", h.repos)
		}
	})
}

func TestScheduler_ErrorNotifications(t *testing.T) {
	t.Run("lists errors and overdue check once per interval", func(t *testing.T) {
		h := newHarness(t)
		h.setStatus(t, sched.StatusLastFullCheck, time.Time{})
		h.tool.CheckErr = errors.New("pack damaged")
		d := h.addDir(t, "/data", sched.EnabledYes, h.clock.Now().Add(time.Hour))
		d.Error = "repository locked"
		if err := h.store.SaveDirectoryResult(d); err != nil {
			t.Fatalf("SaveDirectoryResult() error = %v", err)
		}

		h.tick(t)
		h.settle(t)
		h.tick(t)
		h.settle(t)

		sent := h.notifier.Sent()
		if h.countTitle("Backup Errors Detected") != 1 {
			t.Fatalf("notifications = %v, want one error notification", h.notifier.Titles())
		}
		body := sent[0].Body
		if !strings.Contains(body, "/data: repository locked") || !strings.Contains(body, "Full repository check is overdue.") {
			t.Errorf("body = %q", body)
		}

		h.clock.Advance(31 * time.Minute)
		h.tick(t)
		h.settle(t)
		if got := h.countTitle("Backup Errors Detected"); got != 2 {
			t.Errorf("error notifications after interval = %d, want 2", got)
		}
	})

	t.Run("body is truncated", func(t *testing.T) {
		h := newHarness(t)
		d := h.addDir(t, "/data", sched.EnabledYes, h.clock.Now().Add(time.Hour))
		d.Error = strings.Repeat("x", 300)
		if err := h.store.SaveDirectoryResult(d); err != nil {
			t.Fatalf("SaveDirectoryResult() error = %v", err)
		}

		h.tick(t)
		sent := h.notifier.Sent()
		if len(sent) != 1 {
			t.Fatalf("notifications = %v", h.notifier.Titles())
		}
		if n := len([]rune(sent[0].Body)); n > 200 {
			t.Errorf("body length = %d, want <= 200", n)
		}
		if !strings.HasSuffix(sent[0].Body, "...") {
			t.Errorf("body = %q, want ellipsis", sent[0].Body)
		}
	})

	t.Run("disabled directories are ignored", func(t *testing.T) {
		h := newHarness(t)
		d := h.addDir(t, "/data", sched.EnabledNo, time.Time{})
		d.Error = "stale"
		if err := h.store.SaveDirectoryResult(d); err != nil {
			t.Fatalf("SaveDirectoryResult() error = %v", err)
		}
		h.tick(t)
		if len(h.notifier.Sent()) != 0 {
			t.Errorf("notifications = %v, want none", h.notifier.Titles())
		}
	})
}

func TestScheduler_FullCheck(t *testing.T) {
	t.Run("check now runs a full cycle", func(t *testing.T) {
		h := newHarness(t)
		if err := h.sched.CheckNow(context.Background()); err != nil {
			t.Fatalf("CheckNow() error = %v", err)
		}
		h.settle(t)

		if h.cache.Resets() != 1 {
			t.Errorf("cache resets = %d, want 1", h.cache.Resets())
		}
		if got := h.tool.Count("CheckSegment"); got != sched.FullCheckSegments {
			t.Errorf("segments checked = %d, want %d", got, sched.FullCheckSegments)
		}
		if got := h.status(t, sched.StatusLastFullCheck); got != strconv.FormatInt(h.clock.Now().Unix(), 10) {
			t.Errorf("last_full_check = %q", got)
		}
		if got := h.status(t, sched.StatusFullCheckSegment); got != "-1" {
			t.Errorf("segment = %q, want -1", got)
		}
	})

	t.Run("check now mid-cycle starts a fresh cycle", func(t *testing.T) {
		h := newHarness(t)
		if err := h.store.SetStatus(sched.StatusFullCheckSegment, "50"); err != nil {
			t.Fatalf("SetStatus() error = %v", err)
		}
		if err := h.sched.CheckNow(context.Background()); err != nil {
			t.Fatalf("CheckNow() error = %v", err)
		}
		h.settle(t)

		if h.cache.Resets() != 1 {
			t.Errorf("cache resets = %d, want 1", h.cache.Resets())
		}
		if got := h.tool.Count("CheckSegment"); got != sched.FullCheckSegments {
			t.Errorf("segments checked = %d, want %d", got, sched.FullCheckSegments)
		}
		if got := h.status(t, sched.StatusFullCheckSegment); got != "-1" {
			t.Errorf("segment = %q, want -1", got)
		}
	})

	t.Run("failure resumes at the failed segment", func(t *testing.T) {
		h := newHarness(t)
		h.tool.CheckErr = errors.New("pack damaged")
		if err := h.sched.CheckNow(context.Background()); err != nil {
			t.Fatalf("CheckNow() error = %v", err)
		}
		h.settle(t)

		if got := h.status(t, sched.StatusFullCheckSegment); got != "0" {
			t.Fatalf("segment after failure = %q, want 0", got)
		}
		if got := h.tool.Count("CheckSegment"); got != 1 {
			t.Fatalf("segments checked = %d, want 1", got)
		}

		// Still backing off.
		h.tick(t)
		h.settle(t)
		if got := h.tool.Count("CheckSegment"); got != 1 {
			t.Fatalf("segments checked during backoff = %d, want 1", got)
		}

		h.tool.CheckErr = nil
		h.clock.Advance(sched.ErrorRetryDelay + time.Second)
		h.tick(t)
		h.settle(t)

		if got := h.tool.Count("CheckSegment"); got != 1+sched.FullCheckSegments {
			t.Errorf("segments checked = %d, want %d", got, 1+sched.FullCheckSegments)
		}
		if h.cache.Resets() != 1 {
			t.Errorf("cache resets = %d, want 1", h.cache.Resets())
		}
		if got := h.status(t, sched.StatusFullCheckSegment); got != "-1" {
			t.Errorf("segment = %q, want -1", got)
		}
	})
}

func TestScheduler_AutoDiscovery(t *testing.T) {
	h := newHarness(t, func(d *sched.Deps) {
		d.Discoverer = testutil.StaticDiscoverer{Candidates: []sched.Candidate{
			{Path: "/home/user/docs"},
			{Path: "/home/user/.ssh", Exclusions: "known_hosts"},
		}}
	})
	if err := h.store.SetConfigValue(sched.KeyAutoDiscovery, "1"); err != nil {
		t.Fatalf("SetConfigValue() error = %v", err)
	}
	h.addDir(t, "/Home/User/Docs", sched.EnabledNo, time.Time{})

	h.tick(t)
	h.settle(t)

	dirs, err := h.store.ListDirectories()
	if err != nil {
		t.Fatalf("ListDirectories() error = %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("directories = %d, want 2", len(dirs))
	}
	added, err := h.store.FindDirectoryByPath("/home/user/.ssh")
	if err != nil || added == nil {
		t.Fatalf("FindDirectoryByPath() = %v, %v", added, err)
	}
	if added.Enabled != sched.EnabledAuto || added.Exclusions != "known_hosts" || added.Frequency != sched.DefaultFrequency {
		t.Errorf("added = %+v", added)
	}

	sent := h.notifier.Sent()
	if len(sent) != 1 || sent[0].Title != "New Backup Paths Detected" || sent[0].Body != "Added 1 new paths." {
		t.Errorf("notifications = %+v", sent)
	}
	if got := h.status(t, sched.StatusLastAutoDiscovery); got != strconv.FormatInt(h.clock.Now().Unix(), 10) {
		t.Errorf("last_auto_discovery = %q", got)
	}
}

func TestScheduler_AutoDiscoveryFailureRetries(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(d *sched.Deps) {
		d.Discoverer = discoverFunc(func(context.Context) ([]sched.Candidate, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("home unreadable")
			}
			return []sched.Candidate{{Path: "/home/user/docs"}}, nil
		})
	})
	if err := h.store.SetConfigValue(sched.KeyAutoDiscovery, "1"); err != nil {
		t.Fatalf("SetConfigValue() error = %v", err)
	}

	h.tick(t)
	h.settle(t)
	if got := h.status(t, sched.StatusLastAutoDiscovery); got != "" {
		t.Fatalf("last_auto_discovery after failure = %q, want unset", got)
	}

	h.tick(t)
	h.settle(t)
	if got := calls.Load(); got != 2 {
		t.Errorf("discovery runs = %d, want 2", got)
	}
	if got := h.status(t, sched.StatusLastAutoDiscovery); got != strconv.FormatInt(h.clock.Now().Unix(), 10) {
		t.Errorf("last_auto_discovery = %q", got)
	}
	if d, err := h.store.FindDirectoryByPath("/home/user/docs"); err != nil || d == nil {
		t.Errorf("FindDirectoryByPath() = %v, %v", d, err)
	}
}

type discoverFunc func(context.Context) ([]sched.Candidate, error)

func (f discoverFunc) Discover(ctx context.Context) ([]sched.Candidate, error) { return f(ctx) }

func TestScheduler_UpdateCheck(t *testing.T) {
	t.Run("newer release is announced once per interval", func(t *testing.T) {
		h := newHarness(t, func(d *sched.Deps) {
			d.Updates = testutil.StaticUpdates{Latest: &sched.Release{Tag: "v2.0.0", Version: "2.0.0"}}
		})

		h.tick(t)
		h.settle(t)
		if len(h.notifier.Sent()) != 0 {
			t.Fatalf("notified before the check finished: %v", h.notifier.Titles())
		}

		h.tick(t)
		h.tick(t)
		sent := h.notifier.Sent()
		if len(sent) != 1 || sent[0].Title != "Update Available" || !strings.Contains(sent[0].Body, "v2.0.0") {
			t.Fatalf("notifications = %+v", sent)
		}

		h.clock.Advance(13 * time.Hour)
		h.tick(t)
		if got := h.countTitle("Update Available"); got != 2 {
			t.Errorf("update notifications = %d, want 2", got)
		}
	})

	t.Run("failed check retries after the minimum interval", func(t *testing.T) {
		h := newHarness(t, func(d *sched.Deps) {
			d.Updates = testutil.StaticUpdates{Err: errors.New("rate limited")}
		})
		countChecks := func() int {
			runs, err := h.store.ListTaskRuns(50)
			if err != nil {
				t.Fatalf("ListTaskRuns() error = %v", err)
			}
			n := 0
			for _, r := range runs {
				if r.TaskID == sched.TaskUpdateCheck {
					n++
				}
			}
			return n
		}

		h.tick(t)
		h.settle(t)
		st, err := h.store.LoadUpdateState()
		if err != nil {
			t.Fatalf("LoadUpdateState() error = %v", err)
		}
		if !st.Failed || st.Latest != nil {
			t.Errorf("update state = %+v, want failed", st)
		}

		h.clock.Advance(time.Hour)
		h.tick(t)
		h.settle(t)
		if got := countChecks(); got != 1 {
			t.Fatalf("checks before retry = %d, want 1", got)
		}

		h.clock.Advance(sched.MinUpdateCheckInterval)
		h.tick(t)
		h.settle(t)
		if got := countChecks(); got != 2 {
			t.Errorf("checks after retry = %d, want 2", got)
		}
		if len(h.notifier.Sent()) != 0 {
			t.Errorf("notifications = %v, want none", h.notifier.Titles())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, func(d *sched.Deps) {
			d.Updates = testutil.StaticUpdates{Latest: &sched.Release{Tag: "v2.0.0"}}
		})
		if err := h.store.SetConfigValue(sched.KeyUpdateCheckEnabled, "0"); err != nil {
			t.Fatalf("SetConfigValue() error = %v", err)
		}
		h.tick(t)
		h.settle(t)
		runs, _ := h.store.ListTaskRuns(10)
		if len(runs) != 0 {
			t.Errorf("task runs = %+v, want none", runs)
		}
	})
}

func TestScheduler_RunNow(t *testing.T) {
	t.Run("custom hook", func(t *testing.T) {
		h := newHarness(t)
		var hooked atomic.Int32
		h.sched.SetTriggerHook(func() { hooked.Add(1) })
		d := h.addDir(t, t.TempDir(), sched.EnabledYes, h.clock.Now().Add(time.Hour))

		if err := h.sched.RunNow(context.Background(), d.ID); err != nil {
			t.Fatalf("RunNow() error = %v", err)
		}
		if hooked.Load() != 1 {
			t.Errorf("hook calls = %d, want 1", hooked.Load())
		}
		got, err := h.store.FindDirectory(d.ID)
		if err != nil {
			t.Fatalf("FindDirectory() error = %v", err)
		}
		if !got.NextRun.IsZero() {
			t.Errorf("NextRun = %v, want zero", got.NextRun)
		}
		if h.tool.Count("Backup") != 0 {
			t.Error("custom hook should replace the immediate pass")
		}
	})

	t.Run("default hook triggers a pass", func(t *testing.T) {
		h := newHarness(t)
		d := h.addDir(t, t.TempDir(), sched.EnabledYes, h.clock.Now().Add(time.Hour))

		if err := h.sched.RunNow(context.Background(), d.ID); err != nil {
			t.Fatalf("RunNow() error = %v", err)
		}
		h.barrier(t)
		h.settle(t)
		if h.tool.Count("Backup") != 1 {
			t.Errorf("backups = %d, want 1", h.tool.Count("Backup"))
		}
	})

	t.Run("unknown directory", func(t *testing.T) {
		h := newHarness(t)
		err := h.sched.RunNow(context.Background(), "missing")
		if !errors.Is(err, sched.ErrDirectoryNotFound) {
			t.Errorf("RunNow() error = %v, want ErrDirectoryNotFound", err)
		}
	})
}

func TestScheduler_Report(t *testing.T) {
	h := newHarness(t)
	h.addDir(t, "/a", sched.EnabledYes, h.clock.Now().Add(time.Hour))
	h.addDir(t, "/b", sched.EnabledNo, time.Time{})

	r, err := h.sched.Report(context.Background())
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if len(r.Directories) != 2 {
		t.Errorf("directories = %d, want 2", len(r.Directories))
	}
	if !r.State.LastFullCheck.Equal(h.clock.Now()) || r.State.Segment != sched.NoSegment {
		t.Errorf("state = %+v", r.State)
	}
	if r.Queued != 0 || r.WorkerAlive {
		t.Errorf("queue = %d alive %v, want idle", r.Queued, r.WorkerAlive)
	}
}

// panickyStore panics or fails on ConfigValues.
type panickyStore struct {
	sched.Store
	err error
}

func (s panickyStore) ConfigValues() (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	panic("database exploded")
}

func TestScheduler_PassFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"panic", nil},
		{"error", errors.New("disk I/O error")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(d *sched.Deps) {
				d.Store = panickyStore{Store: d.Store, err: tt.err}
			})
			if got := h.tick(t); got != sched.FailureRetry {
				t.Errorf("Tick() = %v, want %v", got, sched.FailureRetry)
			}
		})
	}
}

func TestScheduler_Start(t *testing.T) {
	h := newHarness(t)
	h.addDir(t, t.TempDir(), sched.EnabledYes, time.Time{})

	h.sched.Start(10 * time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for h.tool.Count("Backup") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first pass never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.settle(t)
}
