package generate

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/pipeline"
	"github.com/harrowlabs/taskforge/internal/task"
)

// fakeClient returns a canned completion and records the prompts it saw.
type fakeClient struct {
	completion string
	err        error
	system     string
	user       string
	calls      int
}

func (f *fakeClient) Complete(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.system = system
	f.user = user
	if f.err != nil {
		return "", f.err
	}
	return f.completion, nil
}

func generateRequest() *capability.Request {
	return &capability.Request{
		TaskID:       "t1",
		ExternalRef:  "TICKET-1",
		RepoID:       "https://github.com/acme/api",
		Requirements: []string{"Add a healthcheck endpoint. Must return 200."},
		Prior: []task.StageResult{
			{
				Stage:   pipeline.StageInterpret,
				Outcome: task.OutcomeSucceeded,
				Payload: &task.Payload{Intent: &task.Intent{
					Summary:         "Add a healthcheck endpoint",
					FilesToModify:   []string{"server.go"},
					TestingRequired: true,
				}},
			},
			{
				Stage:   pipeline.StageAnalyze,
				Outcome: task.OutcomeSucceeded,
				Payload: &task.Payload{Analysis: &task.RepoAnalysis{
					WorkDir:    "/tmp/work",
					Branch:     "task/TICKET-1",
					Primary:    "Go",
					Frameworks: []string{"Go modules"},
				}},
			},
		},
	}
}

func TestInvokeParsesChangeSet(t *testing.T) {
	client := &fakeClient{completion: `Here is the change:
{"diffs":[{"path":"server.go","content":"package server\n"}],"generated_tests":[{"path":"server_test.go","content":"package server\n"}]}`}
	g, err := New(client, 0, nil)
	require.NoError(t, err)

	resp, err := g.Invoke(context.Background(), generateRequest())
	require.NoError(t, err)
	require.NotNil(t, resp.Payload.Changes)

	changes := resp.Payload.Changes
	require.Len(t, changes.Diffs, 1)
	assert.Equal(t, "server.go", changes.Diffs[0].Path)
	require.Len(t, changes.GeneratedTests, 1)

	assert.Contains(t, client.user, "Add a healthcheck endpoint")
	assert.Contains(t, client.user, "primary language Go")
	assert.Contains(t, client.user, "server.go")
}

func TestInvokeMissingPriorPayloadsIsFatal(t *testing.T) {
	g, err := New(&fakeClient{}, 0, nil)
	require.NoError(t, err)

	req := generateRequest()
	req.Prior = req.Prior[:1] // analysis missing
	_, invokeErr := g.Invoke(context.Background(), req)
	require.Error(t, invokeErr)
	assert.True(t, capability.IsFatal(invokeErr))

	req = generateRequest()
	req.Prior = nil // intent missing
	_, invokeErr = g.Invoke(context.Background(), req)
	require.Error(t, invokeErr)
	assert.True(t, capability.IsFatal(invokeErr))
}

func TestInvokeMalformedCompletionIsTransient(t *testing.T) {
	g, err := New(&fakeClient{completion: "sorry, I cannot help with that"}, 0, nil)
	require.NoError(t, err)

	_, invokeErr := g.Invoke(context.Background(), generateRequest())
	require.Error(t, invokeErr)
	assert.False(t, capability.IsFatal(invokeErr))
	assert.Equal(t, task.OutcomeTransient, Classify(invokeErr))
}

func TestInvokeEmptyDiffsRejected(t *testing.T) {
	g, err := New(&fakeClient{completion: `{"diffs":[]}`}, 0, nil)
	require.NoError(t, err)

	_, invokeErr := g.Invoke(context.Background(), generateRequest())
	assert.ErrorContains(t, invokeErr, "no diffs")
}

func TestInvokeRepairPromptIncludesTestFailure(t *testing.T) {
	client := &fakeClient{completion: `{"diffs":[{"path":"a.go","content":"x"}]}`}
	g, err := New(client, 0, nil)
	require.NoError(t, err)

	req := generateRequest()
	req.Prior = append(req.Prior,
		task.StageResult{
			Stage:   pipeline.StageGenerate,
			Outcome: task.OutcomeSucceeded,
			Payload: &task.Payload{Changes: &task.ChangeSet{Diffs: []task.FileDiff{{Path: "a.go"}}}},
		},
		task.StageResult{
			Stage:   pipeline.StageTest,
			Outcome: task.OutcomeTransient,
			Error:   "test suite failed (exit 1)",
			Payload: &task.Payload{TestReport: &task.TestReport{
				Passed: false, Output: "FAIL: TestHealthcheck expected 200 got 500", ExitCode: 1,
			}},
		},
	)

	_, invokeErr := g.Invoke(context.Background(), req)
	require.NoError(t, invokeErr)
	assert.Contains(t, client.user, "previous attempt failed its test run")
	assert.Contains(t, client.user, "expected 200 got 500")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want task.Outcome
	}{
		{"rate limited", &APIError{StatusCode: http.StatusTooManyRequests}, task.OutcomeTransient},
		{"overloaded", &APIError{StatusCode: 529}, task.OutcomeTransient},
		{"server error", &APIError{StatusCode: http.StatusInternalServerError}, task.OutcomeTransient},
		{"bad request", &APIError{StatusCode: http.StatusBadRequest}, task.OutcomeFatal},
		{"bad credentials", &APIError{StatusCode: http.StatusUnauthorized}, task.OutcomeFatal},
		{"forbidden", &APIError{StatusCode: http.StatusForbidden}, task.OutcomeFatal},
		{"fatal marker", capability.Fatal(errors.New("x")), task.OutcomeFatal},
		{"plain error", errors.New("connection reset"), task.OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestParseChangeSetToleratesFences(t *testing.T) {
	cs, err := parseChangeSet("```json\n{\"diffs\":[{\"path\":\"a\",\"content\":\"b\"}]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "a", cs.Diffs[0].Path)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, 0, nil)
	assert.Error(t, err)
}
