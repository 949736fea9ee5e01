// Package engine implements the task state machine: the single authority for
// task lifecycle transitions. It wraps the stage executor, retry policy, and
// repository lock manager into one "advance this task by one stage"
// operation. No component below the engine mutates task state.
//
// Lock policy: a task keeps its repository lock for as long as it stays in
// the running state, including across consecutive stages. The lock is
// released whenever the task leaves running for awaiting_retry,
// blocked_on_clarification, completed, or failed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/pipeline"
	"github.com/harrowlabs/taskforge/internal/repolock"
	"github.com/harrowlabs/taskforge/internal/retry"
	"github.com/harrowlabs/taskforge/internal/task"
)

var (
	// ErrTerminalState rejects any attempt to advance, resume, or cancel a
	// task already in completed or failed.
	ErrTerminalState = errors.New("engine: task is in a terminal state")

	// ErrNotDue rejects advancing an awaiting_retry task before its backoff
	// deadline.
	ErrNotDue = errors.New("engine: task backoff deadline has not passed")

	// ErrNotBlocked rejects Resume on a task that is not awaiting
	// clarification.
	ErrNotBlocked = errors.New("engine: task is not blocked on clarification")

	// ErrAlreadyResumed rejects a second Resume for the same block.
	ErrAlreadyResumed = errors.New("engine: clarification already supplied")

	// ErrNotResumed rejects dequeueing a blocked task whose clarification has
	// not arrived yet.
	ErrNotResumed = errors.New("engine: task is blocked awaiting clarification")
)

// StageRunner executes one stage attempt and appends its StageResult to the
// task. Satisfied by *pipeline.Executor.
type StageRunner interface {
	Execute(ctx context.Context, t *task.Task, stageIdx int) task.StageResult
}

// Machine drives tasks through the pipeline.
type Machine struct {
	def    *pipeline.Definition
	runner StageRunner
	policy *retry.Policy
	locks  *repolock.Manager
	sink   task.TransitionSink
	logger *zap.Logger
	clock  func() time.Time
}

// NewMachine wires the state machine. All collaborators are required except
// the sink, which defaults to a no-op.
func NewMachine(def *pipeline.Definition, runner StageRunner, policy *retry.Policy, locks *repolock.Manager, sink task.TransitionSink, logger *zap.Logger) (*Machine, error) {
	if def == nil {
		return nil, errors.New("pipeline definition is required")
	}
	if runner == nil {
		return nil, errors.New("stage runner is required")
	}
	if policy == nil {
		return nil, errors.New("retry policy is required")
	}
	if locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if sink == nil {
		sink = task.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		def:    def,
		runner: runner,
		policy: policy,
		locks:  locks,
		sink:   sink,
		logger: logger,
		clock:  time.Now,
	}, nil
}

// Advance moves t forward by exactly one stage attempt. The caller must hold
// t's repository lock. On return the task is in running (next stage queued),
// awaiting_retry, blocked_on_clarification, completed, or failed; the lock
// has been released for every non-running result.
func (m *Machine) Advance(ctx context.Context, t *task.Task) error {
	switch t.State {
	case task.StateCompleted, task.StateFailed:
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, t.ID, t.State)

	case task.StatePending:
		m.transition(ctx, t, task.StateRunning, nil)

	case task.StateAwaitingRetry:
		if m.clock().Before(t.BackoffUntil) {
			return fmt.Errorf("%w: due at %s", ErrNotDue, t.BackoffUntil.Format(time.RFC3339))
		}
		m.transition(ctx, t, task.StateRunning, nil)

	case task.StateBlocked:
		if !t.ResumePending {
			return ErrNotResumed
		}
		t.ResumePending = false
		m.transition(ctx, t, task.StateRunning, nil)

	case task.StateRunning:
		// Re-offered after a stage success; execute the current stage.

	default:
		return fmt.Errorf("engine: task %s in unknown state %q", t.ID, t.State)
	}

	spec, err := m.def.Stage(t.StageIndex)
	if err != nil {
		m.fail(ctx, t, err.Error(), nil)
		return err
	}

	t.Attempts[t.StageIndex]++
	result := m.runner.Execute(ctx, t, t.StageIndex)

	switch result.Outcome {
	case task.OutcomeSucceeded:
		if t.StageIndex == m.def.Len()-1 {
			t.CompletedAt = m.clock()
			m.transition(ctx, t, task.StateCompleted, &result)
			m.releaseLock(t)
			return nil
		}
		t.StageIndex++
		m.transition(ctx, t, task.StateRunning, &result)
		return nil

	case task.OutcomeNeedsInput:
		m.transition(ctx, t, task.StateBlocked, &result)
		m.releaseLock(t)
		return nil

	case task.OutcomeTransient:
		decision := m.policy.Decide(result.Outcome, t.Attempts[t.StageIndex], spec.MaxAttempts, spec.Retryable)
		if decision.Retry {
			t.BackoffUntil = m.clock().Add(decision.After)
			m.transition(ctx, t, task.StateAwaitingRetry, &result)
			m.releaseLock(t)
			return nil
		}
		m.fail(ctx, t, fmt.Sprintf("stage %s exhausted %d attempts: %s", spec.Name, t.Attempts[t.StageIndex], result.Error), &result)
		return nil

	case task.OutcomeFatal:
		m.fail(ctx, t, result.Error, &result)
		return nil

	default:
		err := fmt.Errorf("engine: unknown outcome %q from stage %s", result.Outcome, spec.Name)
		m.fail(ctx, t, err.Error(), &result)
		return err
	}
}

// Resume supplies clarification to a blocked task. Callable exactly once per
// block; the task re-enters running(interpret) on its next dequeue with the
// combined input.
func (m *Machine) Resume(t *task.Task, info []string) error {
	if t.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, t.ID, t.State)
	}
	if t.State != task.StateBlocked {
		return fmt.Errorf("%w: %s is %s", ErrNotBlocked, t.ID, t.State)
	}
	if t.ResumePending {
		return fmt.Errorf("%w: task %s", ErrAlreadyResumed, t.ID)
	}
	t.SuppliedInfo = append(t.SuppliedInfo, info...)
	t.ResumePending = true
	t.UpdatedAt = m.clock()
	return nil
}

// Cancel transitions a non-terminal task directly to failed with reason
// "cancelled", bypassing retry. The caller aborts any in-flight capability
// call separately by cancelling its context.
func (m *Machine) Cancel(ctx context.Context, t *task.Task) error {
	if t.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, t.ID, t.State)
	}
	m.fail(ctx, t, pipeline.CancelledReason, nil)
	return nil
}

// fail moves t to the failed terminal state and releases its lock if held.
func (m *Machine) fail(ctx context.Context, t *task.Task, reason string, result *task.StageResult) {
	t.TerminalError = reason
	t.CompletedAt = m.clock()
	m.transition(ctx, t, task.StateFailed, result)
	m.releaseLock(t)
}

// transition applies a validated state change and emits it to the sink.
func (m *Machine) transition(ctx context.Context, t *task.Task, to task.State, result *task.StageResult) {
	from := t.State
	if from != to && !task.ValidTransition(from, to) {
		// Table and switch statements should agree; this is a bug trap.
		m.logger.Error("illegal transition",
			zap.String("task_id", t.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	t.State = to
	t.UpdatedAt = m.clock()

	// The attached result names the stage that produced this transition;
	// StageIndex may already point at the next stage.
	stage := ""
	if result != nil {
		stage = result.Stage
	} else if spec, err := m.def.Stage(t.StageIndex); err == nil {
		stage = spec.Name
	}

	tr := task.Transition{
		TaskID:    t.ID,
		From:      from,
		To:        to,
		Stage:     stage,
		Result:    result,
		Timestamp: t.UpdatedAt,
	}
	m.sink.RecordTransition(ctx, tr)

	m.logger.Info("task transition",
		zap.String("task_id", t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("stage", stage),
	)
}

// releaseLock frees the task's repository lock if the task holds it.
func (m *Machine) releaseLock(t *task.Task) {
	if holder, ok := m.locks.Holder(t.RepoID); !ok || holder != t.ID {
		return
	}
	if err := m.locks.Release(t.RepoID, t.ID); err != nil {
		m.logger.Error("lock release failed",
			zap.String("task_id", t.ID),
			zap.String("repo_id", t.RepoID),
			zap.Error(err),
		)
	}
}
