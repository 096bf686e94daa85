package config

// RunnerConfig describes how agent CLI processes are launched.
type RunnerConfig struct {
	// Command is the agent CLI invocation, e.g. ["claude", "-p",
	// "--output-format", "json"]. The assembled prompt is written to
	// the process stdin.
	Command []string `yaml:"command"`

	// Env is extra environment for the runner process, merged over
	// the parent environment.
	Env map[string]string `yaml:"env,omitempty"`

	// MaxOutputBytes caps how much runner stdout is retained.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// DefaultRunnerConfig returns the built-in runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		Command:        []string{"claude", "-p", "--output-format", "json"},
		MaxOutputBytes: 10 << 20,
	}
}

// WorktreeConfig controls git worktree isolation for task execution.
// Disabled by default; when enabled each claimed task runs in its own
// worktree on a dedicated branch.
type WorktreeConfig struct {
	Enabled bool `yaml:"enabled"`

	// RepoDir is the git repository worktrees are created from.
	// Required when Enabled.
	RepoDir string `yaml:"repo_dir,omitempty"`

	// BaseDir is where worktree checkouts are placed. Defaults to
	// <repo_dir>/.taskhive/worktrees.
	BaseDir string `yaml:"base_dir,omitempty"`

	// BranchPrefix prefixes the per-task branch name
	// (e.g. "task/" → task/CD-042).
	BranchPrefix string `yaml:"branch_prefix,omitempty"`
}

// DefaultWorktreeConfig returns the built-in worktree defaults.
func DefaultWorktreeConfig() *WorktreeConfig {
	return &WorktreeConfig{
		BranchPrefix: "task/",
	}
}
