// Package agent drives worker instances: each Loop polls the board for
// its role, claims one task at a time, assembles a prompt, invokes the
// external runner CLI, and writes the terminal status back. The Fleet
// owns the set of loops and is the factory/stopper surface the
// auto-scaler calls into.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/models"
)

// Sentinel errors for loop cycles.
var (
	// ErrNoWork indicates the role's queue had no claimable task.
	ErrNoWork = errors.New("no claimable tasks")

	// ErrRolePaused indicates the loop's role is paused and claiming is
	// suspended.
	ErrRolePaused = errors.New("role is paused")
)

// Runner executes one task prompt and returns the agent's result.
//
// The runner owns only the invocation: the loop handles claiming,
// heartbeats, usage recording, and the terminal board write. Run must
// honor ctx cancellation; on deadline the loop fails the task.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RunRequest is one runner invocation.
type RunRequest struct {
	// TaskID identifies the claimed task, for logging and runner env.
	TaskID string

	// Prompt is the fully assembled context (identity, task, routes,
	// provider extras). Written to the runner process stdin.
	Prompt string

	// WorkingDir is where the runner executes: the role's working_dir,
	// or the task's isolated worktree when one is wired.
	WorkingDir string
}

// Usage is the resource consumption reported by one invocation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	DurationMS   int64
	NumTurns     int
}

// RunResult is the parsed outcome of a successful invocation.
type RunResult struct {
	// Output is the agent's result text with any directive block
	// stripped. Stored as the task's output_text.
	Output string

	// Handoffs are the downstream tasks the agent routed to, parsed
	// from its directive block.
	Handoffs []board.Handoff

	// Decision and Reasoning populate the decision log when present.
	Decision  string
	Reasoning string

	// Usage is nil when the runner reported no consumption data.
	Usage *Usage

	// Truncated reports that stdout exceeded the configured cap and
	// the tail was discarded.
	Truncated bool
}

// LoopHealth is one loop's view for the health endpoint.
type LoopHealth struct {
	ID             string                `json:"id"`
	Role           string                `json:"role"`
	Status         models.InstanceStatus `json:"status"`
	CurrentTaskID  string                `json:"current_task_id,omitempty"`
	TasksProcessed int                   `json:"tasks_processed"`
	LastActivity   time.Time             `json:"last_activity"`
}
