// Package capability defines the collaborator contract the pipeline consumes:
// a capability takes a task's accumulated context and produces a structured
// payload, a clarification request, or an error. Implementations live in
// subpackages; the engine only ever sees this interface plus a per-capability
// error classifier.
package capability

import (
	"context"

	"github.com/harrowlabs/taskforge/internal/task"
)

// Request is the accumulated task context handed to a capability: the
// requirement fragments (including clarification answers) and every prior
// stage result.
type Request struct {
	TaskID       string
	ExternalRef  string
	RepoID       string
	Requirements []string
	Prior        []task.StageResult
}

// PriorPayload returns the payload of the most recent successful result for
// the named stage, or nil.
func (r *Request) PriorPayload(stage string) *task.Payload {
	for i := len(r.Prior) - 1; i >= 0; i-- {
		if r.Prior[i].Stage == stage && r.Prior[i].Outcome == task.OutcomeSucceeded {
			return r.Prior[i].Payload
		}
	}
	return nil
}

// Response is a capability's successful return: either a payload or a
// clarification request, never both.
type Response struct {
	Payload       task.Payload
	Clarification *task.Clarification
}

// Capability is one collaborator operation (interpret, analyze, generate,
// run tests, open PR).
type Capability interface {
	// Name identifies the capability in the registry and pipeline definition.
	Name() string

	// Invoke runs the capability under the caller's deadline. A returned
	// error is classified by the binding's Classifier; a Response with a
	// non-nil Clarification routes the task to blocked_on_clarification.
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// Classifier decides whether a capability error is transient or fatal. Each
// capability carries its own: the same wire error shape can be fatal for one
// collaborator and retryable for another.
type Classifier func(err error) task.Outcome
