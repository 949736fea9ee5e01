package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/task"
)

// CancelledReason is the error text recorded when an operator cancel aborts
// an in-flight stage. The engine maps it to a terminal failure that bypasses
// retry.
const CancelledReason = "cancelled"

// Executor runs one pipeline stage for one task: it resolves the stage's
// capability, invokes it under the stage timeout, classifies the outcome via
// the capability's own classifier, and appends exactly one StageResult to the
// task regardless of outcome.
type Executor struct {
	def      *Definition
	registry *capability.Registry
	logger   *zap.Logger
	clock    func() time.Time
}

// NewExecutor creates an executor over a frozen definition and registry.
func NewExecutor(def *Definition, registry *capability.Registry, logger *zap.Logger) (*Executor, error) {
	if def == nil {
		return nil, errors.New("pipeline definition is required")
	}
	if registry == nil {
		return nil, errors.New("capability registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, s := range def.Stages() {
		if _, ok := registry.Lookup(s.Capability); !ok {
			return nil, fmt.Errorf("stage %q references unregistered capability %q", s.Name, s.Capability)
		}
	}
	return &Executor{def: def, registry: registry, logger: logger, clock: time.Now}, nil
}

// Execute runs the stage at stageIdx for t. The attempt number is read from
// the task's attempt counter, which the engine increments before calling.
func (e *Executor) Execute(ctx context.Context, t *task.Task, stageIdx int) task.StageResult {
	started := e.clock()

	spec, err := e.def.Stage(stageIdx)
	if err != nil {
		return e.record(ctx, t, task.StageResult{
			Stage:     fmt.Sprintf("stage[%d]", stageIdx),
			Attempt:   1,
			Outcome:   task.OutcomeFatal,
			Error:     err.Error(),
			StartedAt: started,
		})
	}

	attempt := 1
	if stageIdx < len(t.Attempts) && t.Attempts[stageIdx] > 0 {
		attempt = t.Attempts[stageIdx]
	}

	binding, ok := e.registry.Lookup(spec.Capability)
	if !ok {
		return e.record(ctx, t, task.StageResult{
			Stage:     spec.Name,
			Attempt:   attempt,
			Outcome:   task.OutcomeFatal,
			Error:     fmt.Sprintf("no capability registered for %q", spec.Capability),
			StartedAt: started,
		})
	}

	req := &capability.Request{
		TaskID:       t.ID,
		ExternalRef:  t.ExternalRef,
		RepoID:       t.RepoID,
		Requirements: t.CombinedRequirements(),
		Prior:        append([]task.StageResult(nil), t.Results...),
	}

	stageCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	resp, invokeErr := binding.Capability.Invoke(stageCtx, req)
	duration := e.clock().Sub(started)

	result := task.StageResult{
		Stage:     spec.Name,
		Attempt:   attempt,
		StartedAt: started,
		Duration:  duration,
	}

	switch {
	case invokeErr == nil && resp != nil && resp.Clarification != nil:
		result.Outcome = task.OutcomeNeedsInput
		result.Payload = &task.Payload{Clarification: resp.Clarification}

	case invokeErr == nil && resp != nil:
		result.Outcome = task.OutcomeSucceeded
		payload := resp.Payload
		result.Payload = &payload

	case invokeErr == nil:
		result.Outcome = task.OutcomeFatal
		result.Error = fmt.Sprintf("capability %q returned neither response nor error", spec.Capability)

	case errors.Is(invokeErr, context.Canceled) && ctx.Err() != nil:
		// Parent context cancelled, not the stage deadline: operator cancel
		// or shutdown. Terminal, bypasses retry.
		result.Outcome = task.OutcomeFatal
		result.Error = CancelledReason

	default:
		result.Outcome = binding.Classify(invokeErr)
		result.Error = invokeErr.Error()
		result.Payload = capability.PayloadOf(invokeErr)
	}

	e.logger.Debug("stage executed",
		zap.String("task_id", t.ID),
		zap.String("stage", spec.Name),
		zap.Int("attempt", attempt),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("duration", duration),
	)

	return e.record(ctx, t, result)
}

// record appends the result to the task's history and returns it.
func (e *Executor) record(_ context.Context, t *task.Task, r task.StageResult) task.StageResult {
	t.Results = append(t.Results, r)
	return r
}
