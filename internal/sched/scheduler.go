package sched

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// IdleWake is the delay when nothing else is pending.
	IdleWake = time.Hour
	// FailureRetry is the delay after a pass that failed or panicked.
	FailureRetry = 60 * time.Second
	// CredentialRetry is the delay while the repository password is missing.
	CredentialRetry = 5 * time.Minute
	// DiscoveryInterval is the minimum time between auto-discovery runs.
	DiscoveryInterval = 24 * time.Hour
	// InitialDelay is the delay before the first pass after Start.
	InitialDelay = 5 * time.Second

	minWake          = time.Second
	maxNotifyBodyLen = 200
)

// Task ids for repository-wide work.
const (
	TaskFullCheck     = "full_repo_check"
	TaskAutoDiscovery = "auto_discovery"
	TaskUpdateCheck   = "update_check"
)

// Deps are the collaborators of a Scheduler. Discoverer and Updates are optional.
type Deps struct {
	Store       Store
	Queue       *Queue
	Loop        *Loop
	Engine      *Engine
	Checker     *IntegrityChecker
	Tools       ToolFactory
	Credentials Credentials
	Notifier    Notifier
	Discoverer  Discoverer
	Updates     UpdateChecker
	Clock       Clock
	Logger      Logger
	Metrics     Metrics
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Scheduler decides what work is due and submits it to the queue. All of its
// methods except Trigger, RunNow, CheckNow and Report must run on the Loop.
type Scheduler struct {
	store       Store
	queue       *Queue
	loop        *Loop
	engine      *Engine
	checker     *IntegrityChecker
	tools       ToolFactory
	credentials Credentials
	notifier    Notifier
	discoverer  Discoverer
	updates     UpdateChecker
	clock       Clock
	logger      Logger
	metrics     Metrics
	lookupEnv   func(string) (string, bool)

	// Owned by the loop.
	timer           *time.Timer
	lastErrorNotify time.Time
	checkRetryAt    time.Time
	onRunNow        func()
}

// NewScheduler creates a Scheduler. Call Start to arm the first pass.
func NewScheduler(d Deps) *Scheduler {
	s := &Scheduler{
		store:       d.Store,
		queue:       d.Queue,
		loop:        d.Loop,
		engine:      d.Engine,
		checker:     d.Checker,
		tools:       d.Tools,
		credentials: d.Credentials,
		notifier:    d.Notifier,
		discoverer:  d.Discoverer,
		updates:     d.Updates,
		clock:       d.Clock,
		logger:      d.Logger,
		metrics:     d.Metrics,
		lookupEnv:   d.LookupEnv,
	}
	if s.metrics == nil {
		s.metrics = NopMetrics{}
	}
	if s.lookupEnv == nil {
		s.lookupEnv = os.LookupEnv
	}
	s.onRunNow = s.Trigger
	return s
}

// SetTriggerHook replaces the function invoked after RunNow and CheckNow.
// It defaults to Trigger.
func (s *Scheduler) SetTriggerHook(fn func()) {
	s.loop.Post(func() { s.onRunNow = fn })
}

// Start arms the first pass after delay.
func (s *Scheduler) Start(delay time.Duration) {
	s.loop.Post(func() { s.arm(delay) })
}

// Stop cancels the pending pass. Tasks already queued are unaffected.
func (s *Scheduler) Stop() {
	s.loop.Post(func() {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	})
}

// Trigger requests an immediate pass. Safe to call from any goroutine.
func (s *Scheduler) Trigger() {
	s.loop.Post(func() { s.Tick() })
}

// RunNow makes directory id due immediately and invokes the trigger hook.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	return s.loop.Call(ctx, func() error {
		d, err := s.store.FindDirectory(id)
		if err != nil {
			return fmt.Errorf("finding directory: %w", err)
		}
		if d == nil {
			return fmt.Errorf("%w: %s", ErrDirectoryNotFound, id)
		}
		if err := s.store.ResetNextRun(id); err != nil {
			return fmt.Errorf("resetting next run: %w", err)
		}
		s.logger.Info("backup requested", "path", d.Path)
		s.fireHook()
		return nil
	})
}

// CheckNow makes the full repository check due immediately and invokes the trigger hook.
func (s *Scheduler) CheckNow(ctx context.Context) error {
	return s.loop.Call(ctx, func() error {
		if err := ResetFullCheck(s.store); err != nil {
			return err
		}
		s.checkRetryAt = time.Time{}
		s.fireHook()
		return nil
	})
}

func (s *Scheduler) fireHook() {
	if s.onRunNow != nil {
		s.onRunNow()
	}
}

// Report is a point-in-time view of the scheduler.
type Report struct {
	Directories []*Directory
	State       ScheduleState
	Queued      int
	WorkerAlive bool
}

// Report reads the current state on the loop.
func (s *Scheduler) Report(ctx context.Context) (*Report, error) {
	var r Report
	err := s.loop.Call(ctx, func() error {
		dirs, err := s.store.ListDirectories()
		if err != nil {
			return fmt.Errorf("listing directories: %w", err)
		}
		st, err := LoadScheduleState(s.store)
		if err != nil {
			return err
		}
		r = Report{Directories: dirs, State: st, Queued: s.queue.Len(), WorkerAlive: s.queue.Alive()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Tick runs one scheduling pass and re-arms the timer. It returns the delay
// until the next pass. The timer is re-armed even if the pass panics.
func (s *Scheduler) Tick() (delay time.Duration) {
	start := s.clock.Now()
	next := start.Add(IdleWake)
	var passErr error

	defer func() {
		if r := recover(); r != nil {
			passErr = fmt.Errorf("panic: %v", r)
			next = s.clock.Now().Add(FailureRetry)
		}
		if passErr != nil {
			s.logger.Error("scheduler pass failed", "error", passErr)
		}
		s.metrics.PassCompleted(s.clock.Now().Sub(start), passErr)
		delay = s.arm(next.Sub(s.clock.Now()))
	}()

	at, err := s.evaluate(start)
	if err != nil {
		passErr = err
		next = s.clock.Now().Add(FailureRetry)
		return
	}
	next = at
	return
}

func (s *Scheduler) arm(delay time.Duration) time.Duration {
	if delay < minWake {
		delay = minWake
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.loop.After(delay, func() { s.Tick() })
	return delay
}

// wake collects candidate times for the next pass.
type wake struct {
	at time.Time
}

func (w *wake) consider(t time.Time) {
	if t.Before(w.at) {
		w.at = t
	}
}

// evaluate reads settings, directories and status once, then decides what
// to submit. It returns when the next pass should run.
func (s *Scheduler) evaluate(now time.Time) (time.Time, error) {
	values, err := s.store.ConfigValues()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading settings: %w", err)
	}
	settings, err := ParseSettings(values)
	if err != nil {
		return time.Time{}, err
	}
	state, err := LoadScheduleState(s.store)
	if err != nil {
		return time.Time{}, err
	}
	dirs, err := s.store.ListDirectories()
	if err != nil {
		return time.Time{}, fmt.Errorf("listing directories: %w", err)
	}

	w := &wake{at: now.Add(IdleWake)}

	repo, ok, err := s.repository(settings)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		if settings.Repository == "" {
			s.logger.Debug("no repository configured")
			return w.at, nil
		}
		s.logger.Warn("repository password missing", "repo", settings.Repository)
		s.notify("Password Required", "Set the repository password to start backups.")
		return now.Add(CredentialRetry), nil
	}
	tool := s.tools(repo)

	s.scheduleBackups(now, dirs, settings, tool, w)
	overdue := s.scheduleFullCheck(now, settings, state, tool, w)
	s.notifyErrors(now, dirs, settings, overdue, w)
	s.scheduleDiscovery(now, settings, state, w)
	s.scheduleUpdateCheck(now, settings, state, w)

	return w.at, nil
}

// repository resolves the target repository. ok is false when backups
// cannot start yet.
func (s *Scheduler) repository(settings Settings) (Repository, bool, error) {
	if settings.Repository != "" {
		pw, ok, err := s.credentials.Password()
		if err != nil {
			return Repository{}, false, fmt.Errorf("reading repository password: %w", err)
		}
		if !ok {
			return Repository{}, false, nil
		}
		return Repository{URL: settings.Repository, Password: pw, NoLock: settings.NoLock}, true, nil
	}
	if v, ok := s.lookupEnv("RESTIC_REPOSITORY"); ok && v != "" {
		return Repository{NoLock: settings.NoLock}, true, nil
	}
	return Repository{}, false, nil
}

func (s *Scheduler) scheduleBackups(now time.Time, dirs []*Directory, settings Settings, tool Tool, w *wake) {
	for _, d := range dirs {
		if !d.Active() {
			continue
		}
		if d.NextRun.After(now) {
			w.consider(d.NextRun)
			continue
		}
		if s.queue.Pending(d.TaskID()) {
			continue
		}
		s.submit(s.backupTask(d.Clone(), settings, tool))
	}
}

func (s *Scheduler) backupTask(d *Directory, settings Settings, tool Tool) *Task {
	return &Task{
		ID:   d.TaskID(),
		Kind: "backup",
		Run: func(ctx context.Context, _ func(string)) error {
			return s.engine.Process(ctx, tool, d, settings)
		},
		OnFinal: func() {
			if err := s.engine.Finish(s.store, d); err != nil {
				s.logger.Error("saving backup result failed", "path", d.Path, "error", err)
			}
			s.Trigger()
		},
	}
}

// scheduleFullCheck submits the next integrity segment when due and reports
// whether the check is overdue.
func (s *Scheduler) scheduleFullCheck(now time.Time, settings Settings, state ScheduleState, tool Tool, w *wake) bool {
	due := state.LastFullCheck.Add(settings.FullCheckInterval)
	overdue := now.After(state.LastFullCheck.Add(2 * settings.FullCheckInterval))

	if now.Before(due) {
		w.consider(due)
		return overdue
	}
	if now.Before(s.checkRetryAt) {
		w.consider(s.checkRetryAt)
		return overdue
	}

	segment := s.checker.Next(state.Segment)
	s.submit(&Task{
		ID:   TaskFullCheck,
		Kind: "full_check",
		Run: func(ctx context.Context, _ func(string)) error {
			return s.checker.Run(ctx, tool, segment)
		},
		OnSuccess: func() {
			s.checkRetryAt = time.Time{}
			if err := s.checker.Complete(s.store, segment, s.clock.Now()); err != nil {
				s.logger.Error("recording full check progress failed", "segment", segment, "error", err)
			}
		},
		OnFailure: func(err error) {
			s.checkRetryAt = s.clock.Now().Add(ErrorRetryDelay)
			s.logger.Error("full check segment failed", "segment", segment, "error", err)
		},
		OnFinal: s.Trigger,
	})
	return overdue
}

func (s *Scheduler) notifyErrors(now time.Time, dirs []*Directory, settings Settings, overdue bool, w *wake) {
	next := s.lastErrorNotify.Add(settings.ErrorCheckInterval)
	if now.Before(next) {
		w.consider(next)
		return
	}
	s.lastErrorNotify = now
	w.consider(now.Add(settings.ErrorCheckInterval))

	var problems []string
	for _, d := range dirs {
		if d.Active() && d.Error != "" {
			problems = append(problems, fmt.Sprintf("%s: %s", d.Path, d.Error))
		}
	}
	if overdue {
		problems = append(problems, "Full repository check is overdue.")
	}
	if len(problems) == 0 {
		return
	}
	s.notify("Backup Errors Detected", truncate(strings.Join(problems, "\n"), maxNotifyBodyLen))
}

func (s *Scheduler) scheduleDiscovery(now time.Time, settings Settings, state ScheduleState, w *wake) {
	if !settings.AutoDiscovery || s.discoverer == nil {
		return
	}
	due := state.LastAutoDiscovery.Add(DiscoveryInterval)
	if now.Before(due) {
		w.consider(due)
		return
	}

	var found []Candidate
	s.submit(&Task{
		ID:   TaskAutoDiscovery,
		Kind: "discovery",
		Run: func(ctx context.Context, _ func(string)) error {
			var err error
			found, err = s.discoverer.Discover(ctx)
			return err
		},
		OnSuccess: func() {
			if err := s.store.SetStatus(StatusLastAutoDiscovery, formatUnix(s.clock.Now())); err != nil {
				s.logger.Error("recording auto-discovery failed", "error", err)
			}
			s.addDiscovered(found)
		},
		OnFailure: func(err error) {
			s.logger.Error("auto-discovery failed", "error", err)
		},
	})
}

func (s *Scheduler) addDiscovered(found []Candidate) {
	existing, err := s.store.ListDirectories()
	if err != nil {
		s.logger.Error("listing directories failed", "error", err)
		return
	}
	known := make(map[string]bool, len(existing))
	for _, d := range existing {
		known[strings.ToLower(d.Path)] = true
	}

	added := 0
	for _, c := range found {
		key := strings.ToLower(c.Path)
		if known[key] {
			continue
		}
		if _, err := s.store.CreateDirectory(c.Path, EnabledAuto, DefaultFrequency, c.Exclusions); err != nil {
			s.logger.Error("adding discovered directory failed", "path", c.Path, "error", err)
			continue
		}
		known[key] = true
		added++
		s.logger.Info("auto-discovery added directory", "path", c.Path)
	}
	if added > 0 {
		s.notify("New Backup Paths Detected", fmt.Sprintf("Added %d new paths.", added))
	}
}

func (s *Scheduler) scheduleUpdateCheck(now time.Time, settings Settings, state ScheduleState, w *wake) {
	if !settings.UpdateCheckEnabled || s.updates == nil {
		return
	}
	st := state.Update

	interval := settings.UpdateCheckInterval
	if st.Failed {
		interval = MinUpdateCheckInterval
	}
	due := st.LastCheck.Add(interval)
	if now.Before(due) {
		w.consider(due)
	} else {
		var latest *Release
		s.submit(&Task{
			ID:   TaskUpdateCheck,
			Kind: "update_check",
			Run: func(ctx context.Context, _ func(string)) error {
				var err error
				latest, err = s.updates.Check(ctx)
				return err
			},
			OnSuccess: func() { s.saveUpdateResult(latest, nil) },
			OnFailure: func(err error) { s.saveUpdateResult(nil, err) },
		})
	}

	if st.Latest == nil || st.Failed {
		return
	}
	toastDue := st.LastToast.Add(settings.UpdateToastInterval)
	if now.Before(toastDue) {
		w.consider(toastDue)
		return
	}
	st.LastToast = now
	if err := s.store.SaveUpdateState(st); err != nil {
		s.logger.Error("saving update state failed", "error", err)
		return
	}
	s.notify("Update Available", fmt.Sprintf("Version %s is available.", st.Latest.Tag))
	w.consider(now.Add(settings.UpdateToastInterval))
}

func (s *Scheduler) saveUpdateResult(latest *Release, checkErr error) {
	st, err := s.store.LoadUpdateState()
	if err != nil {
		s.logger.Error("reading update state failed", "error", err)
		return
	}
	st.LastCheck = s.clock.Now()
	st.Latest = latest
	st.Failed = checkErr != nil
	if checkErr != nil {
		s.logger.Warn("update check failed", "error", checkErr)
	}
	if err := s.store.SaveUpdateState(st); err != nil {
		s.logger.Error("saving update state failed", "error", err)
	}
}

// submit decorates t with run history and hands it to the queue.
func (s *Scheduler) submit(t *Task) bool {
	var started time.Time
	var failure error

	run := t.Run
	t.Run = func(ctx context.Context, progress func(string)) error {
		started = s.clock.Now()
		return run(ctx, progress)
	}
	onFailure := t.OnFailure
	t.OnFailure = func(err error) {
		failure = err
		if onFailure != nil {
			onFailure(err)
		}
	}
	onFinal := t.OnFinal
	t.OnFinal = func() {
		s.recordRun(t, started, failure)
		if onFinal != nil {
			onFinal()
		}
	}

	ok := s.queue.Submit(t)
	if ok {
		s.logger.Debug("task submitted", "task", t.ID)
	}
	return ok
}

func (s *Scheduler) recordRun(t *Task, started time.Time, failure error) {
	run := &TaskRun{
		TaskID:     t.ID,
		Kind:       t.Kind,
		StartedAt:  started,
		FinishedAt: s.clock.Now(),
		Status:     "success",
	}
	if failure != nil {
		run.Status = "error"
		run.Error = failure.Error()
	}
	if err := s.store.RecordTaskRun(run); err != nil {
		s.logger.Warn("recording task run failed", "task", t.ID, "error", err)
	}
}

func (s *Scheduler) notify(title, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(title, body); err != nil {
		s.logger.Warn("notification failed", "title", title, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
