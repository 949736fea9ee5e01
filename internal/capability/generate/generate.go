// Package generate produces code and test changes for a task by prompting an
// LLM with the parsed intent and repository analysis. Calls are throttled
// with a shared rate limiter so concurrent workers cannot exhaust the
// provider quota.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/pipeline"
	"github.com/harrowlabs/taskforge/internal/task"
)

// Name is the capability's registry name.
const Name = "generate"

const systemPrompt = `You are an expert software engineer implementing a work-item in an existing repository.
Respond ONLY with a JSON object of the form:
{"diffs":[{"path":"relative/path","content":"full new file content"}],"generated_tests":[{"path":"...","content":"..."}]}
Match the repository's primary language and conventions. Include tests when the work-item requires them.`

// Generator implements the generate capability.
type Generator struct {
	client  Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Generator. requestsPerMinute bounds provider calls across all
// workers; zero disables throttling.
func New(client Client, requestsPerMinute int, logger *zap.Logger) (*Generator, error) {
	if client == nil {
		return nil, errors.New("llm client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return &Generator{client: client, limiter: limiter, logger: logger}, nil
}

// Name implements capability.Capability.
func (g *Generator) Name() string { return Name }

// Invoke implements capability.Capability.
func (g *Generator) Invoke(ctx context.Context, req *capability.Request) (*capability.Response, error) {
	intentPayload := req.PriorPayload(pipeline.StageInterpret)
	analysisPayload := req.PriorPayload(pipeline.StageAnalyze)
	if intentPayload == nil || intentPayload.Intent == nil {
		return nil, capability.Fatal(fmt.Errorf("task %s has no interpreted intent", req.TaskID))
	}
	if analysisPayload == nil || analysisPayload.Analysis == nil {
		return nil, capability.Fatal(fmt.Errorf("task %s has no repository analysis", req.TaskID))
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	prompt := buildPrompt(req, intentPayload.Intent, analysisPayload.Analysis, priorFailures(req))
	completion, err := g.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	changes, err := parseChangeSet(completion)
	if err != nil {
		// A malformed completion is worth a retry; the next attempt draws a
		// fresh sample.
		return nil, fmt.Errorf("parse llm output: %w", err)
	}

	g.logger.Info("changes generated",
		zap.String("task_id", req.TaskID),
		zap.Int("diffs", len(changes.Diffs)),
		zap.Int("tests", len(changes.GeneratedTests)),
	)

	return &capability.Response{Payload: task.Payload{Changes: changes}}, nil
}

// buildPrompt assembles the user prompt from the accumulated task context.
// Prior test failures are included so a repair attempt sees what broke.
func buildPrompt(req *capability.Request, intent *task.Intent, analysis *task.RepoAnalysis, failures []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work-item %s\n\nRequirements:\n", req.ExternalRef)
	for _, r := range req.Requirements {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	fmt.Fprintf(&b, "\nIntent summary: %s\n", intent.Summary)
	if len(intent.FilesToModify) > 0 {
		fmt.Fprintf(&b, "Files likely involved: %s\n", strings.Join(intent.FilesToModify, ", "))
	}
	fmt.Fprintf(&b, "Testing required: %t\n", intent.TestingRequired)
	fmt.Fprintf(&b, "\nRepository: primary language %s, frameworks %s\n",
		analysis.Primary, strings.Join(analysis.Frameworks, ", "))
	for _, f := range failures {
		fmt.Fprintf(&b, "\nA previous attempt failed its test run:\n%s\n", f)
	}
	return b.String()
}

// priorFailures collects test output from earlier failed test-stage attempts.
func priorFailures(req *capability.Request) []string {
	var out []string
	for _, r := range req.Prior {
		if r.Stage == pipeline.StageTest && r.Outcome == task.OutcomeTransient && r.Payload != nil && r.Payload.TestReport != nil {
			out = append(out, truncate(r.Payload.TestReport.Output, 4000))
		}
	}
	return out
}

// parseChangeSet extracts the JSON change set from the completion, tolerating
// surrounding prose or a markdown fence.
func parseChangeSet(completion string) (*task.ChangeSet, error) {
	text := strings.TrimSpace(completion)
	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	if end := strings.LastIndex(text, "}"); end >= 0 {
		text = text[:end+1]
	}

	var cs task.ChangeSet
	if err := json.Unmarshal([]byte(text), &cs); err != nil {
		return nil, err
	}
	if len(cs.Diffs) == 0 {
		return nil, fmt.Errorf("change set contains no diffs")
	}
	for _, d := range cs.Diffs {
		if d.Path == "" {
			return nil, fmt.Errorf("change set contains diff with empty path")
		}
	}
	return &cs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

// Classify maps LLM API errors onto the retry taxonomy: rate limits, request
// timeouts, overload, and server errors are transient; rejected requests and
// bad credentials are fatal.
func Classify(err error) task.Outcome {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return task.OutcomeTransient
		case http.StatusBadRequest, http.StatusUnauthorized,
			http.StatusForbidden, http.StatusNotFound:
			return task.OutcomeFatal
		}
		if apiErr.StatusCode >= 500 {
			return task.OutcomeTransient
		}
		return task.OutcomeFatal
	}
	return capability.DefaultClassifier(err)
}
