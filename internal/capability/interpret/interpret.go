// Package interpret turns free-form work-item requirements into a parsed
// intent, or reports the questions that must be answered first.
package interpret

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/task"
)

// Name is the capability's registry name.
const Name = "interpret"

// minDescriptionLen is the threshold below which a work-item description is
// considered too vague to act on.
const minDescriptionLen = 50

var filePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?:in|modify|update|create|the file|file)[:\\s]+`?([a-zA-Z0-9_\\-./\\\\]+\\.[a-zA-Z0-9]+)`?"),
	regexp.MustCompile(`([a-zA-Z0-9_\-./\\]+\.[a-zA-Z]{1,5})\b`),
}

// Interpreter implements the interpret capability with heuristics over the
// requirement text. Clarification answers supplied through Resume arrive as
// extra requirement fragments, so a resumed task is re-interpreted over the
// combined input.
type Interpreter struct {
	logger *zap.Logger
}

// New creates an Interpreter.
func New(logger *zap.Logger) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{logger: logger}
}

// Name implements capability.Capability.
func (i *Interpreter) Name() string { return Name }

// Invoke implements capability.Capability.
func (i *Interpreter) Invoke(ctx context.Context, req *capability.Request) (*capability.Response, error) {
	if len(req.Requirements) == 0 {
		return nil, capability.Fatal(fmt.Errorf("task %s has no requirements", req.TaskID))
	}

	text := strings.Join(req.Requirements, "\n")

	if questions := missingInformation(req, text); len(questions) > 0 {
		i.logger.Info("requirements ambiguous",
			zap.String("task_id", req.TaskID),
			zap.Int("questions", len(questions)),
		)
		return &capability.Response{
			Clarification: &task.Clarification{Questions: questions},
		}, nil
	}

	intent := &task.Intent{
		Summary:         summarize(req.Requirements[0]),
		FilesToModify:   extractFiles(text),
		TestingRequired: strings.Contains(strings.ToLower(text), "test"),
	}

	i.logger.Debug("requirements interpreted",
		zap.String("task_id", req.TaskID),
		zap.Int("files", len(intent.FilesToModify)),
		zap.Bool("testing_required", intent.TestingRequired),
	)

	return &capability.Response{Payload: task.Payload{Intent: intent}}, nil
}

// missingInformation returns the clarification questions for incomplete
// requirements, empty when the task is actionable.
func missingInformation(req *capability.Request, text string) []string {
	var questions []string

	if req.RepoID == "" {
		questions = append(questions, "Repository information is missing. Please specify which repository should be modified.")
	}
	if len(text) < minDescriptionLen {
		questions = append(questions, "Task description is too brief. Please provide more details about what needs to be implemented.")
	}
	if !hasAcceptanceCriteria(text) {
		questions = append(questions, "Acceptance criteria are missing. Please specify how to verify that the task is completed correctly.")
	}
	return questions
}

// hasAcceptanceCriteria looks for verification language in the requirements.
func hasAcceptanceCriteria(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"acceptance", "criteria", "should", "must", "verify", "expect"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// extractFiles pulls file paths mentioned in the requirement text.
func extractFiles(text string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, p := range filePatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			f := m[1]
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files
}

// summarize truncates the first requirement fragment to a headline.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		s = s[:idx]
	}
	const maxLen = 120
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
