// Package testexec applies the generated change set to the working tree and
// runs the repository's test suite, chosen by the analyzed primary language.
// A failing run is a transient failure: the retry loop routes the report back
// into the next generation attempt.
package testexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/gitrepo"
	"github.com/harrowlabs/taskforge/internal/pipeline"
	"github.com/harrowlabs/taskforge/internal/task"
)

// Name is the capability's registry name.
const Name = "test"

// maxOutputBytes bounds captured test output so one noisy suite cannot bloat
// the task history.
const maxOutputBytes = 64 * 1024

// commandsByLanguage maps a primary language to candidate test commands, in
// preference order. The first whose marker file exists in the work dir runs.
var commandsByLanguage = map[string][]testCommand{
	"Go":         {{marker: "go.mod", argv: []string{"go", "test", "./..."}}},
	"Python":     {{marker: "", argv: []string{"python", "-m", "pytest"}}},
	"JavaScript": {{marker: "package.json", argv: []string{"npm", "test", "--silent"}}},
	"TypeScript": {{marker: "package.json", argv: []string{"npm", "test", "--silent"}}},
	"Java": {
		{marker: "gradlew", argv: []string{"./gradlew", "test"}},
		{marker: "pom.xml", argv: []string{"mvn", "test"}},
	},
	"Kotlin": {
		{marker: "gradlew", argv: []string{"./gradlew", "test"}},
		{marker: "pom.xml", argv: []string{"mvn", "test"}},
	},
	"Rust": {{marker: "Cargo.toml", argv: []string{"cargo", "test"}}},
	"C#":   {{marker: "", argv: []string{"dotnet", "test"}}},
	"Ruby": {{marker: "Gemfile", argv: []string{"bundle", "exec", "rake", "test"}}},
	"PHP":  {{marker: "composer.json", argv: []string{"./vendor/bin/phpunit"}}},
}

type testCommand struct {
	// marker is a file that must exist in the work dir for this command to
	// apply; empty means always applicable.
	marker string
	argv   []string
}

// Runner implements the test capability by shelling out to the repository's
// native test tool inside the task's working tree.
type Runner struct {
	git    *gitrepo.Handler
	logger *zap.Logger
}

// New creates a Runner.
func New(git *gitrepo.Handler, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{git: git, logger: logger}
}

// Name implements capability.Capability.
func (r *Runner) Name() string { return Name }

// Invoke implements capability.Capability. The change set is re-applied on
// every attempt so a retry after a fresh generation runs against the latest
// diffs, not a stale tree.
func (r *Runner) Invoke(ctx context.Context, req *capability.Request) (*capability.Response, error) {
	analysisPayload := req.PriorPayload(pipeline.StageAnalyze)
	changesPayload := req.PriorPayload(pipeline.StageGenerate)
	if analysisPayload == nil || analysisPayload.Analysis == nil {
		return nil, capability.Fatal(fmt.Errorf("task %s has no repository analysis", req.TaskID))
	}
	if changesPayload == nil || changesPayload.Changes == nil {
		return nil, capability.Fatal(fmt.Errorf("task %s has no generated changes", req.TaskID))
	}

	analysis := analysisPayload.Analysis
	changes := changesPayload.Changes

	if _, err := os.Stat(analysis.WorkDir); err != nil {
		return nil, capability.Fatal(fmt.Errorf("work dir %s is gone: %w", analysis.WorkDir, err))
	}

	diffs := append(append([]task.FileDiff(nil), changes.Diffs...), changes.GeneratedTests...)
	if err := r.git.Apply(analysis.WorkDir, diffs); err != nil {
		return nil, fmt.Errorf("apply changes: %w", err)
	}

	cmd, err := selectCommand(analysis.WorkDir, analysis.Primary)
	if err != nil {
		return nil, capability.Fatal(err)
	}

	report := r.run(ctx, analysis.WorkDir, cmd)

	r.logger.Info("test suite finished",
		zap.String("task_id", req.TaskID),
		zap.String("command", report.Command),
		zap.Bool("passed", report.Passed),
		zap.Int("exit_code", report.ExitCode),
	)

	if !report.Passed {
		return nil, capability.WithPayload(
			fmt.Errorf("test suite failed (exit %d)", report.ExitCode),
			task.Payload{TestReport: report},
		)
	}
	return &capability.Response{Payload: task.Payload{TestReport: report}}, nil
}

// selectCommand picks the test command for the primary language, preferring
// commands whose marker file exists in the tree.
func selectCommand(dir, language string) ([]string, error) {
	candidates, ok := commandsByLanguage[language]
	if !ok {
		return nil, fmt.Errorf("no test runner known for %s", language)
	}
	var fallback []string
	for _, c := range candidates {
		if c.marker == "" {
			if fallback == nil {
				fallback = c.argv
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, c.marker)); err == nil {
			return c.argv, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	// Markers missing but a candidate exists; run the first and let the tool
	// report the problem.
	return candidates[0].argv, nil
}

// run executes the command and captures a bounded report. Never returns an
// error: a non-zero exit becomes a failed report for the caller to classify.
func (r *Runner) run(ctx context.Context, dir string, argv []string) *task.TestReport {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	report := &task.TestReport{
		Passed:  err == nil,
		Command: commandString(argv),
		Output:  clip(buf.String()),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		report.ExitCode = exitErr.ExitCode()
	default:
		// Tool missing or not executable.
		report.ExitCode = -1
		report.Output = err.Error() + "\n" + report.Output
	}
	return report
}

func commandString(argv []string) string {
	out := argv[0]
	for _, a := range argv[1:] {
		out += " " + a
	}
	return out
}

func clip(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	// Keep the tail: failures print last.
	return "[clipped]\n" + s[len(s)-maxOutputBytes:]
}
