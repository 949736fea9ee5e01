// Package task defines the task lifecycle: states, stage results, and the
// rules governing legal transitions between them. All mutation of a Task
// happens through the engine; everything else reads snapshots.
package task

import (
	"fmt"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	// StatePending means the task has been submitted but never dequeued.
	StatePending State = "pending"

	// StateRunning means the task owns its repository lock and its current
	// stage is either executing or queued for execution.
	StateRunning State = "running"

	// StateAwaitingRetry means the current stage failed transiently and the
	// task is parked until its backoff deadline.
	StateAwaitingRetry State = "awaiting_retry"

	// StateBlocked means interpretation reported ambiguous requirements and
	// the task is waiting for external clarification.
	StateBlocked State = "blocked_on_clarification"

	// StateCompleted means every stage succeeded and a pull request exists.
	StateCompleted State = "completed"

	// StateFailed means a fatal failure, an exhausted retry budget, or a
	// cancellation ended the task.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are legal from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// legalTransitions maps each state to the states reachable from it.
var legalTransitions = map[State][]State{
	StatePending:       {StateRunning, StateFailed},
	StateRunning:       {StateRunning, StateAwaitingRetry, StateBlocked, StateCompleted, StateFailed},
	StateAwaitingRetry: {StateRunning, StateFailed},
	StateBlocked:       {StateRunning, StateFailed},
	StateCompleted:     {},
	StateFailed:        {},
}

// ValidTransition reports whether from -> to is a legal lifecycle transition.
// Pending and awaiting_retry may move to failed only via cancellation; the
// engine enforces that, this table only encodes reachability.
func ValidTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome classifies one stage execution attempt.
type Outcome string

const (
	// OutcomeSucceeded means the capability returned a usable payload.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeTransient means the failure may clear on an unchanged retry
	// (network error, rate limit, timeout, failing test run).
	OutcomeTransient Outcome = "failed_transient"

	// OutcomeFatal means no retry can fix the failure without different
	// input (missing repository, authorization denied, malformed request).
	OutcomeFatal Outcome = "failed_fatal"

	// OutcomeNeedsInput means the capability needs clarification before it
	// can proceed. Not an error; routes the task to blocked_on_clarification.
	OutcomeNeedsInput Outcome = "needs_input"
)

// FileDiff is one generated file change, carried as full content.
type FileDiff struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Intent is the parsed meaning of a work-item's requirements.
type Intent struct {
	Summary         string   `json:"summary"`
	FilesToModify   []string `json:"files_to_modify,omitempty"`
	TestingRequired bool     `json:"testing_required"`
}

// RepoAnalysis describes the target repository's working tree.
type RepoAnalysis struct {
	WorkDir    string         `json:"work_dir"`
	Branch     string         `json:"branch"`
	Languages  map[string]int `json:"languages"`
	Primary    string         `json:"primary_language"`
	Frameworks []string       `json:"frameworks,omitempty"`
}

// ChangeSet is the output of code generation.
type ChangeSet struct {
	Diffs          []FileDiff `json:"diffs"`
	GeneratedTests []FileDiff `json:"generated_tests,omitempty"`
}

// TestReport is the outcome of one test-suite run.
type TestReport struct {
	Passed   bool   `json:"passed"`
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Clarification lists the questions a capability needs answered.
type Clarification struct {
	Questions []string `json:"questions"`
}

// Payload carries the stage-specific structured result of a stage attempt.
// Exactly the fields produced by the stage's capability are set.
type Payload struct {
	Intent        *Intent        `json:"intent,omitempty"`
	Analysis      *RepoAnalysis  `json:"analysis,omitempty"`
	Changes       *ChangeSet     `json:"changes,omitempty"`
	TestReport    *TestReport    `json:"test_report,omitempty"`
	PullRequest   string         `json:"pull_request_url,omitempty"`
	Clarification *Clarification `json:"clarification,omitempty"`
}

// StageResult records one execution attempt of one stage. Append-only: never
// mutated after creation.
type StageResult struct {
	Stage     string        `json:"stage"`
	Attempt   int           `json:"attempt"`
	Outcome   Outcome       `json:"outcome"`
	Payload   *Payload      `json:"payload,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Task is the unit of work driven through the pipeline.
type Task struct {
	ID           string   `json:"id"`
	ExternalRef  string   `json:"external_ref"`
	RepoID       string   `json:"repo_id"`
	Requirements []string `json:"requirements"`
	Priority     int      `json:"priority"`

	// SuppliedInfo accumulates clarification answers delivered via Resume.
	SuppliedInfo []string `json:"supplied_info,omitempty"`

	State      State `json:"state"`
	StageIndex int   `json:"stage_index"`

	// Attempts holds the per-stage attempt count, indexed by stage index.
	Attempts []int `json:"attempts"`

	Results       []StageResult `json:"results"`
	TerminalError string        `json:"terminal_error,omitempty"`
	BackoffUntil  time.Time     `json:"backoff_until,omitempty"`

	// ResumePending is set by Resume and consumed on the next dequeue.
	ResumePending bool `json:"resume_pending,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// New creates a pending task with per-stage attempt slots for a pipeline of
// stageCount stages.
func New(id, externalRef, repoID string, requirements []string, stageCount int) *Task {
	now := time.Now()
	return &Task{
		ID:           id,
		ExternalRef:  externalRef,
		RepoID:       repoID,
		Requirements: requirements,
		State:        StatePending,
		Attempts:     make([]int, stageCount),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CombinedRequirements returns the original requirement fragments followed by
// any clarification answers, in arrival order.
func (t *Task) CombinedRequirements() []string {
	out := make([]string, 0, len(t.Requirements)+len(t.SuppliedInfo))
	out = append(out, t.Requirements...)
	out = append(out, t.SuppliedInfo...)
	return out
}

// LastResult returns the most recent stage result, or nil if none exist.
func (t *Task) LastResult() *StageResult {
	if len(t.Results) == 0 {
		return nil
	}
	return &t.Results[len(t.Results)-1]
}

// ResultsFor returns all results recorded for the named stage.
func (t *Task) ResultsFor(stage string) []StageResult {
	var out []StageResult
	for _, r := range t.Results {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot returns a deep copy safe to hand to readers outside the engine.
func (t *Task) Snapshot() *Task {
	cp := *t
	cp.Requirements = append([]string(nil), t.Requirements...)
	cp.SuppliedInfo = append([]string(nil), t.SuppliedInfo...)
	cp.Attempts = append([]int(nil), t.Attempts...)
	cp.Results = append([]StageResult(nil), t.Results...)
	return &cp
}

// Transition is the record emitted on every state change, consumed by the
// persistence/notification surface.
type Transition struct {
	TaskID    string       `json:"task_id"`
	From      State        `json:"from"`
	To        State        `json:"to"`
	Stage     string       `json:"stage,omitempty"`
	Result    *StageResult `json:"result,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (tr Transition) String() string {
	return fmt.Sprintf("%s: %s -> %s (stage=%s)", tr.TaskID, tr.From, tr.To, tr.Stage)
}
