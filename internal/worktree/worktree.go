// Package worktree manages the per-work-item branches and per-story git
// worktrees stories execute in. All git interaction funnels through the
// Runner so tests can fake the process boundary.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"storyline/internal/domain"
)

// OperationError wraps a failed branch or worktree operation with the
// captured process output.
type OperationError struct {
	Op     string
	Detail string
	Err    error
}

func (e *OperationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v\n%s", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Runner runs one external process in a directory and reports its outcome.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// Manager handles branch and worktree lifecycle for one repository.
type Manager struct {
	Repo    string // repository root the git commands run in
	BaseDir string // directory worktrees are created under
	Run     Runner
}

func NewManager(repo, baseDir string, r Runner) *Manager {
	if baseDir == "" {
		baseDir = ".storyline/worktrees"
	}
	if r == nil {
		r = ExecRunner{}
	}
	return &Manager{Repo: repo, BaseDir: baseDir, Run: r}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// BranchName derives the deterministic branch for a work item. All stories
// of one work item share it.
func BranchName(itemType domain.WorkItemType, id string) string {
	return fmt.Sprintf("storyline/%s-%s", itemType, short(id))
}

// Path derives the deterministic worktree location for a story.
func (m *Manager) Path(storyType domain.StoryType, storyID string) string {
	return filepath.Join(m.BaseDir, fmt.Sprintf("%s-%s", storyType, short(storyID)))
}

// BranchExists checks for a local branch.
func (m *Manager) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, stderr, code, err := m.Run.Run(ctx, m.Repo, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, &OperationError{Op: "check branch " + branch, Detail: stderr, Err: err}
	}
	return code == 0, nil
}

// CreateBranch creates branch from base. Creating a branch that already
// exists is not an error; callers check first via BranchExists.
func (m *Manager) CreateBranch(ctx context.Context, branch, base string) error {
	_, stderr, code, err := m.Run.Run(ctx, m.Repo, "git", "branch", branch, base)
	if err != nil {
		return &OperationError{Op: "create branch " + branch, Detail: stderr, Err: err}
	}
	if code != 0 {
		if strings.Contains(stderr, "already exists") {
			return nil
		}
		return &OperationError{Op: "create branch " + branch, Detail: stderr, Err: fmt.Errorf("git exited %d", code)}
	}
	return nil
}

// EnsureBranch creates branch from base unless it already exists.
func (m *Manager) EnsureBranch(ctx context.Context, branch, base string) error {
	exists, err := m.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return m.CreateBranch(ctx, branch, base)
}

// WorktreeExists reports whether a worktree directory is already present.
func (m *Manager) WorktreeExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateWorktree checks out branch into an isolated worktree at path. An
// existing directory is reused so retries stay idempotent.
func (m *Manager) CreateWorktree(ctx context.Context, branch, path string) error {
	if m.WorktreeExists(path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &OperationError{Op: "create worktree " + path, Err: err}
	}
	_, stderr, code, err := m.Run.Run(ctx, m.Repo, "git", "worktree", "add", path, branch)
	if err != nil {
		return &OperationError{Op: "create worktree " + path, Detail: stderr, Err: err}
	}
	if code != 0 {
		return &OperationError{Op: "create worktree " + path, Detail: stderr, Err: fmt.Errorf("git exited %d", code)}
	}
	return nil
}

// RemoveWorktree removes the worktree at path, falling back to removing the
// directory when git refuses.
func (m *Manager) RemoveWorktree(ctx context.Context, path string) error {
	_, stderr, code, err := m.Run.Run(ctx, m.Repo, "git", "worktree", "remove", "--force", path)
	if err != nil || code != 0 {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return &OperationError{Op: "remove worktree " + path, Detail: stderr, Err: rmErr}
		}
	}
	return nil
}
