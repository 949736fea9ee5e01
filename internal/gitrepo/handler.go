// Package gitrepo manages working trees for tasks: clone, task branch,
// applying generated changes, commit, and push. All mutation of a working
// tree happens with the task's repository lock held, so no internal locking
// is needed here.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/task"
)

const (
	committerName  = "taskforge"
	committerEmail = "taskforge@localhost"
)

// ErrNothingToCommit is returned by Commit when the staged tree matches HEAD.
// Expected under stage retry after a successful commit.
var ErrNothingToCommit = errors.New("nothing to commit")

// Handler performs git operations under a root workspace directory. One
// subdirectory per task keeps clones isolated.
type Handler struct {
	root   string
	token  string
	logger *zap.Logger
}

// NewHandler creates a handler rooted at dir. token authenticates HTTPS
// remotes; it may be empty for public read-only repositories.
func NewHandler(dir, token string, logger *zap.Logger) (*Handler, error) {
	if dir == "" {
		return nil, errors.New("workspace dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{root: dir, token: token, logger: logger}, nil
}

// WorkDir returns the clone directory for a task.
func (h *Handler) WorkDir(taskID string) string {
	return filepath.Join(h.root, "task_"+taskID)
}

// BranchName returns the task branch for an external reference.
func BranchName(externalRef string) string {
	return "task/" + externalRef
}

func (h *Handler) auth() *githttp.BasicAuth {
	if h.token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: h.token}
}

// Clone clones url into the task's work dir and checks out a fresh task
// branch. Re-running for an existing clone opens it instead, so stage retries
// do not re-download the repository.
func (h *Handler) Clone(ctx context.Context, url, taskID, externalRef string) (string, error) {
	dir := h.WorkDir(taskID)

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:  url,
			Auth: h.auth(),
		})
		if err != nil {
			return "", classifyCloneError(url, err)
		}
		h.logger.Info("repository cloned", zap.String("url", url), zap.String("dir", dir))
	} else if err != nil {
		return "", fmt.Errorf("open repository %s: %w", dir, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}

	branch := plumbing.NewBranchReferenceName(BranchName(externalRef))
	err = wt.Checkout(&git.CheckoutOptions{Branch: branch, Create: true})
	if err != nil {
		// Retried stage: the branch already exists, check it out.
		err = wt.Checkout(&git.CheckoutOptions{Branch: branch})
	}
	if err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch.Short(), err)
	}

	return dir, nil
}

// Apply writes the generated file diffs into the working tree and stages
// them.
func (h *Handler) Apply(dir string, diffs []task.FileDiff) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	for _, d := range diffs {
		path := filepath.Join(dir, filepath.FromSlash(d.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", d.Path, err)
		}
		if err := os.WriteFile(path, []byte(d.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", d.Path, err)
		}
		if _, err := wt.Add(d.Path); err != nil {
			return fmt.Errorf("stage %s: %w", d.Path, err)
		}
	}
	return nil
}

// Commit records staged changes. Returns the commit hash.
func (h *Handler) Commit(dir, message string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  committerName,
			Email: committerEmail,
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return "", ErrNothingToCommit
	}
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// Push uploads the task branch to origin.
func (h *Handler) Push(ctx context.Context, dir, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", dir, err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref)),
		},
		Auth: h.auth(),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// Cleanup removes a task's clone directory.
func (h *Handler) Cleanup(taskID string) error {
	return os.RemoveAll(h.WorkDir(taskID))
}

// classifyCloneError maps clone failures onto the retry taxonomy: missing
// repositories and rejected credentials are fatal, everything else (network)
// stays transient.
func classifyCloneError(url string, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return capability.Fatal(fmt.Errorf("repository not found: %s", url))
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return capability.Fatal(fmt.Errorf("authorization denied for %s: %w", url, err))
	default:
		return fmt.Errorf("clone %s: %w", url, err)
	}
}
