package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/engine"
	"github.com/harrowlabs/taskforge/internal/orchestrator"
	"github.com/harrowlabs/taskforge/internal/store"
	"github.com/harrowlabs/taskforge/internal/task"
)

// mockService mocks the orchestrator surface.
type mockService struct {
	mock.Mock
}

func (m *mockService) Submit(ctx context.Context, req orchestrator.SubmitRequest) (*task.Task, error) {
	args := m.Called(ctx, req)
	t, _ := args.Get(0).(*task.Task)
	return t, args.Error(1)
}

func (m *mockService) Resume(ctx context.Context, taskID string, info []string) error {
	return m.Called(ctx, taskID, info).Error(0)
}

func (m *mockService) Cancel(ctx context.Context, taskID string) error {
	return m.Called(ctx, taskID).Error(0)
}

func newTestServer(t *testing.T) (*Server, *mockService, *store.Store) {
	t.Helper()
	svc := &mockService{}
	st := store.New()
	s, err := NewServer(svc, st, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	return s, svc, st
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestSubmitTask(t *testing.T) {
	s, svc, _ := newTestServer(t)

	submitted := task.New("t1", "REF-1", "repo", []string{"r"}, 5)
	svc.On("Submit", mock.Anything, orchestrator.SubmitRequest{
		ExternalRef:  "REF-1",
		RepoID:       "https://github.com/acme/api",
		Requirements: []string{"do it"},
		Priority:     3,
	}).Return(submitted, nil)

	rec := do(s, http.MethodPost, "/api/v1/tasks",
		`{"external_ref":"REF-1","repo_id":"https://github.com/acme/api","requirements":["do it"],"priority":3}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t1", got.ID)
	svc.AssertExpectations(t)
}

func TestSubmitValidationError(t *testing.T) {
	s, svc, _ := newTestServer(t)
	svc.On("Submit", mock.Anything, mock.Anything).Return(nil, assert.AnError)

	rec := do(s, http.MethodPost, "/api/v1/tasks", `{"repo_id":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	s, _, st := newTestServer(t)
	st.PutTask(task.New("t1", "REF", "repo", []string{"r"}, 1))

	rec := do(s, http.MethodGet, "/api/v1/tasks/t1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksWithStateFilter(t *testing.T) {
	s, _, st := newTestServer(t)

	running := task.New("t1", "A", "repo", []string{"r"}, 1)
	running.State = task.StateRunning
	st.PutTask(running)
	st.PutTask(task.New("t2", "B", "repo", []string{"r"}, 1))

	rec := do(s, http.MethodGet, "/api/v1/tasks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var all []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = do(s, http.MethodGet, "/api/v1/tasks?state=running", "")
	var filtered []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "t1", filtered[0].ID)
}

func TestTransitions(t *testing.T) {
	s, _, st := newTestServer(t)
	st.PutTask(task.New("t1", "REF", "repo", []string{"r"}, 1))
	st.RecordTransition(context.Background(), task.Transition{TaskID: "t1", To: task.StatePending})

	rec := do(s, http.MethodGet, "/api/v1/tasks/t1/transitions", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/api/v1/tasks/missing/transitions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResume(t *testing.T) {
	s, svc, _ := newTestServer(t)
	svc.On("Resume", mock.Anything, "t1", []string{"answer"}).Return(nil)

	rec := do(s, http.MethodPost, "/api/v1/tasks/t1/resume", `{"answers":["answer"]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	svc.AssertExpectations(t)
}

func TestResumeRequiresAnswers(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/v1/tasks/t1/resume", `{"answers":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown task", orchestrator.ErrTaskNotFound, http.StatusNotFound},
		{"terminal", engine.ErrTerminalState, http.StatusConflict},
		{"not blocked", engine.ErrNotBlocked, http.StatusConflict},
		{"already resumed", engine.ErrAlreadyResumed, http.StatusConflict},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, svc, _ := newTestServer(t)
			svc.On("Cancel", mock.Anything, "t1").Return(tt.err)

			rec := do(s, http.MethodPost, "/api/v1/tasks/t1/cancel", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCancel(t *testing.T) {
	s, svc, _ := newTestServer(t)
	svc.On("Cancel", mock.Anything, "t1").Return(nil)

	rec := do(s, http.MethodPost, "/api/v1/tasks/t1/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
