// Package openpr commits the applied change set, pushes the task branch, and
// opens a pull request against the repository's base branch.
package openpr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/gitrepo"
	"github.com/harrowlabs/taskforge/internal/pipeline"
	"github.com/harrowlabs/taskforge/internal/task"
)

// Name is the capability's registry name.
const Name = "open-pr"

// PullRequester is the slice of the GitHub API the capability consumes.
type PullRequester interface {
	Create(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, *github.Response, error)
	List(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, *github.Response, error)
}

// Creator implements the open-pr capability.
type Creator struct {
	git        *gitrepo.Handler
	prs        PullRequester
	baseBranch string
	logger     *zap.Logger
}

// New creates a Creator. token authenticates the GitHub API; baseBranch is
// the PR target, defaulting to main.
func New(git *gitrepo.Handler, token, baseBranch string, logger *zap.Logger) *Creator {
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	))
	client := github.NewClient(httpClient)
	return newWith(git, client.PullRequests, baseBranch, logger)
}

func newWith(git *gitrepo.Handler, prs PullRequester, baseBranch string, logger *zap.Logger) *Creator {
	if baseBranch == "" {
		baseBranch = "main"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Creator{git: git, prs: prs, baseBranch: baseBranch, logger: logger}
}

// Name implements capability.Capability.
func (c *Creator) Name() string { return Name }

// Invoke implements capability.Capability. Commit and push are idempotent
// under retry, and an already-open PR for the task branch is reused rather
// than duplicated.
func (c *Creator) Invoke(ctx context.Context, req *capability.Request) (*capability.Response, error) {
	intentPayload := req.PriorPayload(pipeline.StageInterpret)
	analysisPayload := req.PriorPayload(pipeline.StageAnalyze)
	if intentPayload == nil || intentPayload.Intent == nil {
		return nil, capability.Fatal(fmt.Errorf("task %s has no interpreted intent", req.TaskID))
	}
	if analysisPayload == nil || analysisPayload.Analysis == nil {
		return nil, capability.Fatal(fmt.Errorf("task %s has no repository analysis", req.TaskID))
	}
	analysis := analysisPayload.Analysis

	owner, repo, err := splitRepo(req.RepoID)
	if err != nil {
		return nil, capability.Fatal(err)
	}

	message := fmt.Sprintf("%s\n\nWork-item: %s", intentPayload.Intent.Summary, req.ExternalRef)
	if _, err := c.git.Commit(analysis.WorkDir, message); err != nil && !errors.Is(err, gitrepo.ErrNothingToCommit) {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if err := c.git.Push(ctx, analysis.WorkDir, analysis.Branch); err != nil {
		return nil, err
	}

	url, err := c.openOrReuse(ctx, owner, repo, analysis.Branch, req, intentPayload.Intent)
	if err != nil {
		return nil, err
	}

	c.logger.Info("pull request ready",
		zap.String("task_id", req.TaskID),
		zap.String("url", url),
	)
	return &capability.Response{Payload: task.Payload{PullRequest: url}}, nil
}

func (c *Creator) openOrReuse(ctx context.Context, owner, repo, branch string, req *capability.Request, intent *task.Intent) (string, error) {
	existing, _, err := c.prs.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err == nil && len(existing) > 0 {
		return existing[0].GetHTMLURL(), nil
	}

	pr, _, err := c.prs.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(fmt.Sprintf("[%s] %s", req.ExternalRef, intent.Summary)),
		Head:  github.String(branch),
		Base:  github.String(c.baseBranch),
		Body:  github.String(body(req, intent)),
	})
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

// body renders the PR description from the task's requirements.
func body(req *capability.Request, intent *task.Intent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for work-item %s.\n\n## Requirements\n", req.ExternalRef)
	for _, r := range req.Requirements {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	if len(intent.FilesToModify) > 0 {
		b.WriteString("\n## Files\n")
		for _, f := range intent.FilesToModify {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

// splitRepo extracts owner and name from an HTTPS GitHub URL or an owner/name
// shorthand.
func splitRepo(repoID string) (owner, repo string, err error) {
	s := strings.TrimSuffix(repoID, ".git")
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "github.com/")
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("cannot determine owner/repo from %q", repoID)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// Classify maps GitHub API errors onto the retry taxonomy. Rate limiting and
// server errors are transient; validation failures and rejected credentials
// are fatal.
func Classify(err error) task.Outcome {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return task.OutcomeTransient
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return task.OutcomeTransient
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests:
			return task.OutcomeTransient
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusUnprocessableEntity:
			return task.OutcomeFatal
		}
		if ghErr.Response.StatusCode >= 500 {
			return task.OutcomeTransient
		}
	}
	return capability.DefaultClassifier(err)
}
