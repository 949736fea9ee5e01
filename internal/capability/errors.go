package capability

import (
	"context"
	"errors"
	"net"

	"github.com/harrowlabs/taskforge/internal/task"
)

// FatalError marks an error no retry can fix: malformed input, missing
// repository, authorization denied. Capabilities wrap such errors with Fatal
// so classifiers surface them regardless of the underlying wire shape.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable. Fatal(nil) returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// PayloadError attaches a structured payload to a failure so the attempt's
// evidence survives into the task history. A failing test run is the main
// case: the run failed, but its report must be visible to later repair
// attempts.
type PayloadError struct {
	Err     error
	Payload task.Payload
}

func (e *PayloadError) Error() string { return e.Err.Error() }
func (e *PayloadError) Unwrap() error { return e.Err }

// WithPayload wraps err with a payload to record alongside the failure.
// WithPayload(nil, ...) returns nil.
func WithPayload(err error, payload task.Payload) error {
	if err == nil {
		return nil
	}
	return &PayloadError{Err: err, Payload: payload}
}

// PayloadOf extracts the payload attached to err, or nil.
func PayloadOf(err error) *task.Payload {
	var pe *PayloadError
	if errors.As(err, &pe) {
		p := pe.Payload
		return &p
	}
	return nil
}

// DefaultClassifier implements the baseline taxonomy: explicit fatal markers
// are fatal, everything else (network errors, deadline expiry, unknown
// failures) is transient. Exceeding a stage timeout is transient unless the
// capability signalled a fatal condition before the deadline.
func DefaultClassifier(err error) task.Outcome {
	if err == nil {
		return task.OutcomeSucceeded
	}
	if IsFatal(err) {
		return task.OutcomeFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return task.OutcomeTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return task.OutcomeTransient
	}
	return task.OutcomeTransient
}
