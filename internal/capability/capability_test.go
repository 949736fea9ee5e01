package capability

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrowlabs/taskforge/internal/task"
)

type namedCapability struct{ name string }

func (n *namedCapability) Name() string { return n.name }
func (n *namedCapability) Invoke(context.Context, *Request) (*Response, error) {
	return &Response{}, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&namedCapability{name: "interpret"}, nil))
	require.NoError(t, r.Register(&namedCapability{name: "analyze"}, func(error) task.Outcome {
		return task.OutcomeFatal
	}))

	b, ok := r.Lookup("interpret")
	require.True(t, ok)
	// nil classifier falls back to the default taxonomy
	assert.Equal(t, task.OutcomeTransient, b.Classify(errors.New("x")))

	b, ok = r.Lookup("analyze")
	require.True(t, ok)
	assert.Equal(t, task.OutcomeFatal, b.Classify(errors.New("x")))

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"analyze", "interpret"}, r.Names())
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(nil, nil))
	assert.Error(t, r.Register(&namedCapability{name: ""}, nil))

	require.NoError(t, r.Register(&namedCapability{name: "dup"}, nil))
	assert.Error(t, r.Register(&namedCapability{name: "dup"}, nil))
}

func TestPriorPayloadPicksLatestSuccess(t *testing.T) {
	req := &Request{
		Prior: []task.StageResult{
			{Stage: "interpret", Outcome: task.OutcomeTransient, Payload: &task.Payload{Intent: &task.Intent{Summary: "old"}}},
			{Stage: "interpret", Outcome: task.OutcomeSucceeded, Payload: &task.Payload{Intent: &task.Intent{Summary: "first"}}},
			{Stage: "interpret", Outcome: task.OutcomeSucceeded, Payload: &task.Payload{Intent: &task.Intent{Summary: "latest"}}},
		},
	}

	p := req.PriorPayload("interpret")
	require.NotNil(t, p)
	assert.Equal(t, "latest", p.Intent.Summary)
	assert.Nil(t, req.PriorPayload("analyze"))
}

func TestFatalWrapping(t *testing.T) {
	assert.Nil(t, Fatal(nil))

	base := errors.New("missing repo")
	err := Fatal(base)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, base)

	wrapped := errors.Join(errors.New("context"), err)
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsFatal(base))
}

func TestWithPayload(t *testing.T) {
	assert.Nil(t, WithPayload(nil, task.Payload{}))

	report := &task.TestReport{Passed: false, ExitCode: 2}
	err := WithPayload(errors.New("tests failed"), task.Payload{TestReport: report})

	p := PayloadOf(err)
	require.NotNil(t, p)
	assert.Equal(t, report, p.TestReport)
	assert.Nil(t, PayloadOf(errors.New("plain")))
	assert.Equal(t, "tests failed", err.Error())
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

var _ net.Error = timeoutNetError{}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want task.Outcome
	}{
		{"nil", nil, task.OutcomeSucceeded},
		{"fatal marker", Fatal(errors.New("x")), task.OutcomeFatal},
		{"deadline", context.DeadlineExceeded, task.OutcomeTransient},
		{"net error", timeoutNetError{}, task.OutcomeTransient},
		{"unknown", errors.New("mystery"), task.OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultClassifier(tt.err))
		})
	}
}
