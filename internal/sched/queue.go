package sched

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long the worker waits for new work before exiting.
const DefaultIdleTimeout = 5 * time.Second

// Task is a unit of background work. Run executes on the worker goroutine;
// every callback executes on the owner context through the queue's
// Dispatcher. Exactly one of OnSuccess or OnFailure fires, then OnFinal.
type Task struct {
	// ID deduplicates submissions: while a task with the same ID is queued or
	// executing, further submissions are rejected. Empty IDs are never deduplicated.
	ID   string
	Kind string

	Run func(ctx context.Context, progress func(string)) error

	OnSuccess  func()
	OnFailure  func(err error)
	OnFinal    func()
	OnProgress func(msg string)
}

// Queue is a FIFO of tasks drained by at most one worker goroutine. The
// worker starts on demand and exits after an idle period.
type Queue struct {
	dispatcher Dispatcher
	logger     Logger
	metrics    Metrics
	idle       time.Duration
	ctx        context.Context

	mu       sync.Mutex
	tasks    []*Task
	ids      map[string]struct{}
	running  bool
	shutdown bool
	notify   chan struct{}
	done     chan struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.idle = d }
}

// WithMetrics reports submissions, rejections and completions to m.
func WithMetrics(m Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithContext sets the context passed to Task.Run.
func WithContext(ctx context.Context) QueueOption {
	return func(q *Queue) { q.ctx = ctx }
}

// NewQueue creates an idle queue whose callbacks are posted to dispatcher.
func NewQueue(dispatcher Dispatcher, logger Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    NopMetrics{},
		idle:       DefaultIdleTimeout,
		ctx:        context.Background(),
		ids:        make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues t. It returns false when the queue is shut down or a task
// with the same ID is already queued or executing.
func (q *Queue) Submit(t *Task) bool {
	if t == nil || t.Run == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		q.logger.Debug("task rejected: queue shut down", "task", t.ID)
		q.metrics.TaskRejected(t.Kind)
		return false
	}
	if t.ID != "" {
		if _, dup := q.ids[t.ID]; dup {
			q.logger.Debug("task rejected: already pending", "task", t.ID)
			q.metrics.TaskRejected(t.Kind)
			return false
		}
		q.ids[t.ID] = struct{}{}
	}

	q.tasks = append(q.tasks, t)
	q.metrics.TaskSubmitted(t.Kind)
	q.metrics.QueueDepth(len(q.tasks))

	if !q.running {
		q.running = true
		q.done = make(chan struct{})
		go q.work(q.done)
	} else {
		q.wake()
	}
	return true
}

// Pending reports whether a task with id is queued or executing.
func (q *Queue) Pending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// Len returns the number of queued tasks, excluding the one executing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Alive reports whether a worker goroutine is running.
func (q *Queue) Alive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Shutdown rejects further submissions and discards queued tasks without
// invoking their callbacks. The executing task, if any, completes normally.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return
	}
	q.shutdown = true
	for _, t := range q.tasks {
		if t.ID != "" {
			delete(q.ids, t.ID)
		}
	}
	if n := len(q.tasks); n > 0 {
		q.logger.Info("discarding queued tasks", "count", n)
	}
	q.tasks = nil
	q.metrics.QueueDepth(0)
	q.wake()
}

// Join blocks until the worker goroutine, if any, has exited.
func (q *Queue) Join() {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) work(done chan struct{}) {
	idle := time.NewTimer(q.idle)
	defer idle.Stop()

	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			if q.shutdown {
				q.exitLocked(done)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()

			idle.Reset(q.idle)
			select {
			case <-q.notify:
				continue
			case <-idle.C:
			}

			q.mu.Lock()
			if len(q.tasks) == 0 {
				q.exitLocked(done)
				q.mu.Unlock()
				q.logger.Debug("worker idle, exiting")
				return
			}
			q.mu.Unlock()
			continue
		}

		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.metrics.QueueDepth(len(q.tasks))
		q.mu.Unlock()

		q.execute(t)
	}
}

// exitLocked marks the worker stopped. Submissions after this point start a
// new worker, so no task is left without one.
func (q *Queue) exitLocked(done chan struct{}) {
	q.running = false
	close(done)
}

func (q *Queue) execute(t *Task) {
	start := time.Now()
	progress := func(msg string) {
		if t.OnProgress != nil {
			q.dispatcher.Post(func() { t.OnProgress(msg) })
		}
	}

	err := q.run(t, progress)
	q.metrics.TaskCompleted(t.Kind, err, time.Since(start))
	if err != nil {
		q.logger.Warn("task failed", "task", t.ID, "kind", t.Kind, "error", err)
	}

	if !q.dispatcher.Post(func() { q.finish(t, err) }) {
		q.release(t.ID)
	}
}

func (q *Queue) run(t *Task, progress func(string)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()
	return t.Run(q.ctx, progress)
}

// finish runs on the owner context. The task id stays reserved until after
// OnFinal so a stale row cannot be resubmitted before its result is saved.
func (q *Queue) finish(t *Task, err error) {
	defer func() {
		defer q.release(t.ID)
		if t.OnFinal != nil {
			t.OnFinal()
		}
	}()

	if err != nil {
		if t.OnFailure != nil {
			t.OnFailure(err)
		}
		return
	}
	if t.OnSuccess != nil {
		t.OnSuccess()
	}
}

func (q *Queue) release(id string) {
	if id == "" {
		return
	}
	q.mu.Lock()
	delete(q.ids, id)
	q.mu.Unlock()
}
