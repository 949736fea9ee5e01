// Package orchestrator owns the worker pool and runnable-task queue. Workers
// dequeue tasks, acquire the repository lock, and hand the task to the engine
// for one stage advance. Tasks denied a lock park on the repository's FIFO
// wait list without burning a worker slot; the lock manager's grant callback
// re-offers them when the lock frees.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/engine"
	"github.com/harrowlabs/taskforge/internal/metrics"
	"github.com/harrowlabs/taskforge/internal/pipeline"
	"github.com/harrowlabs/taskforge/internal/repolock"
	"github.com/harrowlabs/taskforge/internal/retry"
	"github.com/harrowlabs/taskforge/internal/store"
	"github.com/harrowlabs/taskforge/internal/task"
)

// ErrTaskNotFound is returned for operations on unknown task IDs.
var ErrTaskNotFound = errors.New("orchestrator: task not found")

// Config sizes the worker pool.
type Config struct {
	// Workers is the number of concurrent stage executors (default 4).
	// Independent of repository count.
	Workers int
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	ExternalRef  string   `json:"external_ref"`
	RepoID       string   `json:"repo_id"`
	Requirements []string `json:"requirements"`
	Priority     int      `json:"priority"`
}

// managed wraps a live task with its serialization lock and in-flight cancel
// hook. The per-task mutex guarantees a task is never advanced by two workers
// simultaneously even when grant callbacks and retry timers race.
type managed struct {
	mu sync.Mutex
	t  *task.Task

	// cancelMu guards the cancel hook separately from mu: a worker holds mu
	// for the whole stage execution, and an operator cancel must be able to
	// abort that stage without waiting for it.
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// requestCancel marks the task for cancellation and aborts the in-flight
// stage context, if any. Returns true when a stage was signalled.
func (m *managed) requestCancel() bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	m.cancelled = true
	if m.cancel != nil {
		m.cancel()
		return true
	}
	return false
}

// armCancel installs the stage cancel hook. Returns false when cancellation
// was requested before the stage started.
func (m *managed) armCancel(cancel context.CancelFunc) bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	if m.cancelled {
		return false
	}
	m.cancel = cancel
	return true
}

func (m *managed) disarmCancel() {
	m.cancelMu.Lock()
	m.cancel = nil
	m.cancelMu.Unlock()
}

func (m *managed) cancelRequested() bool {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	return m.cancelled
}

// Orchestrator drives all tasks through the engine with a bounded pool.
type Orchestrator struct {
	cfg     Config
	machine *engine.Machine
	locks   *repolock.Manager
	def     *pipeline.Definition
	st      *store.Store
	met     *metrics.Metrics
	sink    task.TransitionSink
	logger  *zap.Logger
	queue   *taskQueue

	mu    sync.RWMutex
	tasks map[string]*managed

	wg sync.WaitGroup
}

// New builds the orchestrator and, with it, the lock manager and state
// machine it owns. All shared mutable state (queue, tasks, locks) lives here,
// passed in nowhere else.
func New(cfg Config, def *pipeline.Definition, runner engine.StageRunner, policy *retry.Policy, sink task.TransitionSink, st *store.Store, met *metrics.Metrics, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = task.NopSink{}
	}

	o := &Orchestrator{
		cfg:    cfg,
		def:    def,
		st:     st,
		met:    met,
		sink:   sink,
		logger: logger,
		queue:  newTaskQueue(),
		tasks:  make(map[string]*managed),
	}

	o.locks = repolock.NewManager(o.onLockGranted, logger.Named("repolock"))

	machine, err := engine.NewMachine(def, runner, policy, o.locks, sink, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("build state machine: %w", err)
	}
	o.machine = machine

	return o, nil
}

// Locks exposes the lock manager for observability (never for mutation
// outside the engine).
func (o *Orchestrator) Locks() *repolock.Manager { return o.locks }

// Submit accepts a work-item and enqueues it as a pending task.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if req.RepoID == "" {
		return nil, errors.New("orchestrator: repo_id is required")
	}
	if len(req.Requirements) == 0 {
		return nil, errors.New("orchestrator: at least one requirement fragment is required")
	}

	t := task.New(uuid.NewString(), req.ExternalRef, req.RepoID, req.Requirements, o.def.Len())
	t.Priority = req.Priority

	o.mu.Lock()
	o.tasks[t.ID] = &managed{t: t}
	o.mu.Unlock()

	o.st.PutTask(t)
	o.sink.RecordTransition(ctx, task.Transition{
		TaskID:    t.ID,
		To:        task.StatePending,
		Timestamp: t.CreatedAt,
	})
	if o.met != nil {
		o.met.TasksSubmitted.Inc()
	}

	o.offer(t.ID)
	o.logger.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("external_ref", t.ExternalRef),
		zap.String("repo_id", t.RepoID),
	)
	return t.Snapshot(), nil
}

// Resume supplies clarification to a blocked task and re-enqueues it.
func (o *Orchestrator) Resume(ctx context.Context, taskID string, info []string) error {
	m, ok := o.managedTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	m.mu.Lock()
	err := o.machine.Resume(m.t, info)
	if err == nil {
		o.st.PutTask(m.t)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	o.offer(taskID)
	return nil
}

// Cancel aborts a task. In-flight capability calls are signalled via context
// cancellation; parked tasks transition straight to failed("cancelled").
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	m, ok := o.managedTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if m.requestCancel() {
		// A worker owns the task right now; aborting its context makes the
		// stage report a cancelled outcome and the worker finalize.
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.t.State == task.StateFailed && m.t.TerminalError == pipeline.CancelledReason {
		// Raced a worker that already finalized the cancel.
		return nil
	}
	err := o.machine.Cancel(ctx, m.t)
	if err == nil {
		o.st.PutTask(m.t)
		o.finalize(m.t)
	}
	return err
}

// Run starts the worker pool and blocks until ctx is cancelled and workers
// drain.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting", zap.Int("workers", o.cfg.Workers))
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	<-ctx.Done()
	o.queue.Close()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	log := o.logger.With(zap.Int("worker", id))
	for {
		taskID, ok := o.queue.Pop()
		if !ok {
			return
		}
		if o.met != nil {
			o.met.QueueDepth.Set(float64(o.queue.Len()))
		}
		o.process(ctx, taskID, log)
	}
}

// process advances one task by one stage.
func (o *Orchestrator) process(ctx context.Context, taskID string, log *zap.Logger) {
	m, ok := o.managedTask(taskID)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.t

	if t.State.Terminal() {
		// Cancelled while parked on a wait list: if a grant made us holder,
		// give the lock back so the next waiter runs.
		if holder, held := o.locks.Holder(t.RepoID); held && holder == t.ID {
			if err := o.locks.Release(t.RepoID, t.ID); err != nil {
				log.Error("release after cancel", zap.Error(err))
			}
		}
		return
	}

	if !o.locks.Acquire(t.RepoID, t.ID) {
		// Parked on the repository wait list; the grant callback re-offers.
		if o.met != nil {
			o.met.LockWaits.Inc()
		}
		return
	}

	stageCtx, cancel := context.WithCancel(ctx)
	if !m.armCancel(cancel) {
		// Cancelled between dequeue and stage start.
		cancel()
		o.cancelNow(ctx, t, log)
		return
	}
	err := o.machine.Advance(stageCtx, t)
	m.disarmCancel()
	cancel()

	o.st.PutTask(t)
	o.observe(t)

	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNotDue):
			o.scheduleRetry(t)
		case errors.Is(err, engine.ErrNotResumed), errors.Is(err, engine.ErrTerminalState):
			// Dropped from the runnable set; resume or nothing re-offers.
		default:
			log.Error("advance failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		return
	}

	if m.cancelRequested() && !t.State.Terminal() {
		// The cancel landed as the stage was finishing; the stage context no
		// longer carries it, so finalize here instead of running more stages.
		o.cancelNow(ctx, t, log)
		return
	}

	switch t.State {
	case task.StateRunning:
		// Stage succeeded, next stage ready; lock stays held.
		o.offer(t.ID)
	case task.StateAwaitingRetry:
		if o.met != nil {
			o.met.RetriesScheduled.Inc()
		}
		o.scheduleRetry(t)
	case task.StateBlocked:
		log.Info("task blocked on clarification", zap.String("task_id", t.ID))
	case task.StateCompleted, task.StateFailed:
		o.finalize(t)
	}
}

// cancelNow finalizes a cancel requested while a worker owned the task. The
// caller holds the task's serialization mutex.
func (o *Orchestrator) cancelNow(ctx context.Context, t *task.Task, log *zap.Logger) {
	if err := o.machine.Cancel(ctx, t); err != nil {
		log.Error("cancel failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	o.st.PutTask(t)
	o.finalize(t)
}

// scheduleRetry re-offers the task at its backoff deadline.
func (o *Orchestrator) scheduleRetry(t *task.Task) {
	id := t.ID
	delay := time.Until(t.BackoffUntil)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() { o.offer(id) })
}

// finalize records terminal metrics and logging. Notification of external
// surfaces rides the transition sink.
func (o *Orchestrator) finalize(t *task.Task) {
	if o.met != nil {
		o.met.TasksFinal.WithLabelValues(string(t.State)).Inc()
	}
	o.logger.Info("task finalized",
		zap.String("task_id", t.ID),
		zap.String("state", string(t.State)),
		zap.String("error", t.TerminalError),
		zap.Int("stage_results", len(t.Results)),
	)
}

// observe records stage metrics for the most recent result.
func (o *Orchestrator) observe(t *task.Task) {
	if o.met == nil {
		return
	}
	r := t.LastResult()
	if r == nil {
		return
	}
	o.met.StageOutcomes.WithLabelValues(r.Stage, string(r.Outcome)).Inc()
	o.met.StageDuration.WithLabelValues(r.Stage).Observe(r.Duration.Seconds())
}

// onLockGranted re-offers a task that just inherited a freed repository lock.
func (o *Orchestrator) onLockGranted(repoID, taskID string) {
	o.offer(taskID)
}

func (o *Orchestrator) offer(taskID string) {
	m, ok := o.managedTask(taskID)
	if !ok {
		return
	}
	o.queue.Offer(taskID, m.t.Priority)
	if o.met != nil {
		o.met.QueueDepth.Set(float64(o.queue.Len()))
	}
}

func (o *Orchestrator) managedTask(id string) (*managed, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.tasks[id]
	return m, ok
}
