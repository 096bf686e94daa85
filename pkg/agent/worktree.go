package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/taskhive/taskhive/pkg/config"
)

// branchMetaChars are the characters rejected in branch names: shell
// metacharacters plus git ref syntax.
const branchMetaChars = " \t\n;&|$`<>(){}!*?'\"\\~^:["

// ValidateBranchName rejects names git or a shell could misinterpret:
// empty names, a leading "-" (option injection), path traversal, and
// any metacharacter.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("branch name is empty")
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("branch name %q must not start with '-'", name)
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return fmt.Errorf("branch name %q must not begin or end with '/'", name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("branch name %q must not contain '..'", name)
	case strings.ContainsAny(name, branchMetaChars):
		return fmt.Errorf("branch name %q contains forbidden characters", name)
	}
	return nil
}

// Worktree is one acquired checkout.
type Worktree struct {
	TaskID string
	Dir    string
	Branch string
}

// Worktrees creates and removes per-task git worktrees so concurrent
// instances never share a working directory. Claims are exclusive, so
// no two loops ever hold the same task's checkout.
type Worktrees struct {
	cfg *config.WorktreeConfig
	log *slog.Logger
}

// NewWorktrees validates the configuration and returns a manager.
func NewWorktrees(cfg *config.WorktreeConfig) (*Worktrees, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("worktrees are not enabled")
	}
	if cfg.RepoDir == "" {
		return nil, fmt.Errorf("worktrees.repo_dir is required")
	}
	normalized := *cfg
	if normalized.BaseDir == "" {
		normalized.BaseDir = filepath.Join(cfg.RepoDir, ".taskhive", "worktrees")
	}
	return &Worktrees{
		cfg: &normalized,
		log: slog.With("component", "worktrees"),
	}, nil
}

// Acquire checks out an isolated worktree for the task on its own
// branch. A leftover checkout from a crashed run is pruned first, and
// the branch is reset so a re-claimed task starts clean.
func (w *Worktrees) Acquire(ctx context.Context, taskID string) (*Worktree, error) {
	branch := w.cfg.BranchPrefix + taskID
	if err := ValidateBranchName(branch); err != nil {
		return nil, err
	}
	dir, err := w.dirFor(taskID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(w.cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base dir: %w", err)
	}

	// Clear any stale registration left by a crashed run.
	_ = w.git(ctx, "worktree", "prune")

	if out, err := w.gitOutput(ctx, "worktree", "add", "-B", branch, dir); err != nil {
		return nil, fmt.Errorf("git worktree add failed: %w: %s", err, firstLine(out))
	}
	w.log.Info("worktree acquired", "task_id", taskID, "branch", branch, "dir", dir)
	return &Worktree{TaskID: taskID, Dir: dir, Branch: branch}, nil
}

// Release removes the worktree checkout. The branch stays: it carries
// the task's work.
func (w *Worktrees) Release(ctx context.Context, wt *Worktree) error {
	if wt == nil {
		return nil
	}
	if out, err := w.gitOutput(ctx, "worktree", "remove", "--force", wt.Dir); err != nil {
		return fmt.Errorf("git worktree remove failed: %w: %s", err, firstLine(out))
	}
	w.log.Info("worktree released", "task_id", wt.TaskID, "dir", wt.Dir)
	return nil
}

// dirFor places the checkout under the base dir and rejects any task ID
// that would escape it.
func (w *Worktrees) dirFor(taskID string) (string, error) {
	base := filepath.Clean(w.cfg.BaseDir)
	dir := filepath.Join(base, taskID)
	if dir == base || !strings.HasPrefix(dir, base+string(filepath.Separator)) {
		return "", fmt.Errorf("task ID %q resolves outside the worktree base", taskID)
	}
	return dir, nil
}

func (w *Worktrees) git(ctx context.Context, args ...string) error {
	_, err := w.gitOutput(ctx, args...)
	return err
}

func (w *Worktrees) gitOutput(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", w.cfg.RepoDir}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
