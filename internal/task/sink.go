package task

import "context"

// TransitionSink receives every state transition the engine performs. The
// durable persistence and notification surfaces hang off this interface;
// the engine itself never stores anything.
type TransitionSink interface {
	RecordTransition(ctx context.Context, tr Transition)
}

// NopSink discards transitions. Useful in tests.
type NopSink struct{}

func (NopSink) RecordTransition(context.Context, Transition) {}
