// Package retry decides whether a failed stage attempt is retried and how
// long to wait before the retry. The policy is pure given its inputs apart
// from the jitter draw, which is injectable for tests.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/harrowlabs/taskforge/internal/task"
)

// Decision is the policy's answer for one failed attempt.
type Decision struct {
	Retry bool
	After time.Duration
}

// GiveUp is the decision that ends the retry loop.
var GiveUp = Decision{}

// Policy computes exponential backoff with jitter: base * 2^(attempt-1),
// capped at Max, plus a random jitter in [0, base) so tasks sharing a
// repository do not retry in lockstep.
type Policy struct {
	base   time.Duration
	max    time.Duration
	jitter func(base time.Duration) time.Duration
}

// Option customizes a Policy.
type Option func(*Policy)

// WithJitterSource replaces the jitter draw. Tests use a fixed source.
func WithJitterSource(f func(base time.Duration) time.Duration) Option {
	return func(p *Policy) { p.jitter = f }
}

// NewPolicy creates a policy with the given base and maximum delay.
func NewPolicy(base, max time.Duration, opts ...Option) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	p := &Policy{
		base: base,
		max:  max,
		jitter: func(b time.Duration) time.Duration {
			return rand.N(b)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide returns the retry decision for a stage attempt. Only transient
// failures are eligible; fatal outcomes give up immediately. attempt is the
// 1-based attempt that just failed; maxAttempts is the stage's budget.
func (p *Policy) Decide(outcome task.Outcome, attempt, maxAttempts int, retryable bool) Decision {
	if outcome != task.OutcomeTransient {
		return GiveUp
	}
	if !retryable {
		return GiveUp
	}
	if attempt >= maxAttempts {
		return GiveUp
	}

	delay := p.base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.max {
			delay = p.max
			break
		}
	}
	if delay > p.max {
		delay = p.max
	}

	return Decision{Retry: true, After: delay + p.jitter(p.base)}
}
