package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		to    State
		legal bool
	}{
		{"pending to running", StatePending, StateRunning, true},
		{"pending cancelled", StatePending, StateFailed, true},
		{"pending skips to completed", StatePending, StateCompleted, false},
		{"running to running", StateRunning, StateRunning, true},
		{"running to awaiting_retry", StateRunning, StateAwaitingRetry, true},
		{"running to blocked", StateRunning, StateBlocked, true},
		{"running to completed", StateRunning, StateCompleted, true},
		{"running to failed", StateRunning, StateFailed, true},
		{"awaiting_retry to running", StateAwaitingRetry, StateRunning, true},
		{"awaiting_retry to blocked", StateAwaitingRetry, StateBlocked, false},
		{"blocked to running", StateBlocked, StateRunning, true},
		{"blocked to awaiting_retry", StateBlocked, StateAwaitingRetry, false},
		{"completed is terminal", StateCompleted, StateRunning, false},
		{"failed is terminal", StateFailed, StateRunning, false},
		{"failed cannot restart", StateFailed, StatePending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StateAwaitingRetry.Terminal())
	assert.False(t, StateBlocked.Terminal())
}

func TestNew(t *testing.T) {
	tk := New("id-1", "TICKET-7", "https://github.com/acme/api", []string{"do the thing"}, 5)

	assert.Equal(t, StatePending, tk.State)
	assert.Equal(t, 0, tk.StageIndex)
	assert.Len(t, tk.Attempts, 5)
	assert.Empty(t, tk.Results)
	assert.False(t, tk.CreatedAt.IsZero())
}

func TestCombinedRequirements(t *testing.T) {
	tk := New("id-1", "ref", "repo", []string{"a", "b"}, 1)
	assert.Equal(t, []string{"a", "b"}, tk.CombinedRequirements())

	tk.SuppliedInfo = []string{"answer"}
	assert.Equal(t, []string{"a", "b", "answer"}, tk.CombinedRequirements())
}

func TestResultsFor(t *testing.T) {
	tk := New("id-1", "ref", "repo", []string{"r"}, 2)
	tk.Results = []StageResult{
		{Stage: "interpret", Attempt: 1, Outcome: OutcomeTransient},
		{Stage: "interpret", Attempt: 2, Outcome: OutcomeSucceeded},
		{Stage: "analyze", Attempt: 1, Outcome: OutcomeSucceeded},
	}

	interpretResults := tk.ResultsFor("interpret")
	require.Len(t, interpretResults, 2)
	assert.Equal(t, OutcomeSucceeded, interpretResults[1].Outcome)
	assert.Empty(t, tk.ResultsFor("generate"))
}

func TestLastResult(t *testing.T) {
	tk := New("id-1", "ref", "repo", []string{"r"}, 2)
	assert.Nil(t, tk.LastResult())

	tk.Results = append(tk.Results, StageResult{Stage: "interpret", Attempt: 1})
	tk.Results = append(tk.Results, StageResult{Stage: "analyze", Attempt: 1})
	require.NotNil(t, tk.LastResult())
	assert.Equal(t, "analyze", tk.LastResult().Stage)
}

func TestSnapshotIsIndependent(t *testing.T) {
	tk := New("id-1", "ref", "repo", []string{"r"}, 2)
	tk.Results = append(tk.Results, StageResult{Stage: "interpret", Attempt: 1})

	snap := tk.Snapshot()
	tk.Results[0].Attempt = 99
	tk.Attempts[0] = 42
	tk.Requirements[0] = "mutated"

	assert.Equal(t, 1, snap.Results[0].Attempt)
	assert.Equal(t, 0, snap.Attempts[0])
	assert.Equal(t, "r", snap.Requirements[0])
}
