package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/models"
)

// contextIncludeParentArtifact is the context_includes key that pulls
// the parent task's output into the prompt.
const contextIncludeParentArtifact = "parent_artifact"

// ContextBuilder assembles the prompt for a claimed task: instance
// identity, the task itself, the parent artifact when the role asks for
// it, the role's handoff routes, and any provider extras. Assembly is
// deterministic for a given board state and never fails: an unavailable
// parent or a failing provider is logged and its section skipped.
type ContextBuilder struct {
	cfg       *config.Config
	board     *board.Board
	providers *ProviderRegistry
	log       *slog.Logger
}

// NewContextBuilder creates a builder. providers may be nil.
func NewContextBuilder(cfg *config.Config, brd *board.Board, providers *ProviderRegistry) *ContextBuilder {
	if cfg == nil {
		panic("agent.NewContextBuilder: cfg must not be nil")
	}
	if brd == nil {
		panic("agent.NewContextBuilder: board must not be nil")
	}
	return &ContextBuilder{
		cfg:       cfg,
		board:     brd,
		providers: providers,
		log:       slog.With("component", "context"),
	}
}

// Build assembles the full prompt text for one task.
func (cb *ContextBuilder) Build(ctx context.Context, instanceID string, role *config.RoleConfig, task *models.Task) string {
	var sb strings.Builder

	sb.WriteString(formatIdentitySection(instanceID, role))
	sb.WriteString("\n")
	sb.WriteString(formatTaskSection(task))

	if cb.includesParentArtifact(role) && task.ParentID != nil {
		parent, err := cb.board.GetTask(ctx, *task.ParentID)
		if err != nil {
			cb.log.Warn("parent task unavailable for prompt",
				"task_id", task.ID, "parent_id", *task.ParentID, "error", err)
		} else {
			sb.WriteString("\n")
			sb.WriteString(formatParentSection(parent))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(cb.formatRoutesSection(role))

	if role.RoutingMode == config.RoutingModeOpen {
		sb.WriteString("\n")
		sb.WriteString(cb.formatRoleManifest(role))
	}

	if cb.providers != nil {
		for _, extra := range cb.providers.Collect(ctx, task.GroupID) {
			sb.WriteString("\n## Context: ")
			sb.WriteString(extra.Name)
			sb.WriteString("\n")
			sb.WriteString(extra.Content)
			if !strings.HasSuffix(extra.Content, "\n") {
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString("\n")
	sb.WriteString(directiveInstructions)
	return sb.String()
}

func (cb *ContextBuilder) includesParentArtifact(role *config.RoleConfig) bool {
	for _, inc := range role.ContextIncludes {
		if inc == contextIncludeParentArtifact {
			return true
		}
	}
	return false
}

// formatIdentitySection introduces the instance and its role.
func formatIdentitySection(instanceID string, role *config.RoleConfig) string {
	display := role.DisplayName
	if display == "" {
		display = role.Name
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a %s on this project.\n", instanceID, display)
	if role.Description != "" {
		sb.WriteString(role.Description)
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatTaskSection builds the task details section.
func formatTaskSection(task *models.Task) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	fmt.Fprintf(&sb, "**ID:** %s\n", task.ID)
	fmt.Fprintf(&sb, "**Title:** %s\n", task.Title)
	fmt.Fprintf(&sb, "**Type:** %s\n", task.TaskType)
	fmt.Fprintf(&sb, "**Priority:** %s\n", task.Priority)
	fmt.Fprintf(&sb, "**Group:** %s\n", task.GroupID)

	sb.WriteString("\n### Description\n")
	if task.Description == "" {
		sb.WriteString("No description provided.\n")
	} else {
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatParentSection surfaces the parent task and its output artifact.
func formatParentSection(parent *models.Task) string {
	var sb strings.Builder
	sb.WriteString("## Parent Task\n")
	fmt.Fprintf(&sb, "**ID:** %s\n", parent.ID)
	fmt.Fprintf(&sb, "**Title:** %s\n", parent.Title)
	if parent.OutputText != "" {
		sb.WriteString("\n### Parent Output\n")
		sb.WriteString(parent.OutputText)
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatRoutesSection lists the downstream roles this role hands off
// to. Types come from the route declaration, falling back to the target
// role's own accepted types.
func (cb *ContextBuilder) formatRoutesSection(role *config.RoleConfig) string {
	var sb strings.Builder
	sb.WriteString("## Handoff Targets\n")
	if len(role.RoutesTo) == 0 {
		sb.WriteString("This role hands off to no one; finish the task and report your result.\n")
		return sb.String()
	}
	for _, target := range role.RoutesTo {
		types := target.TaskTypes
		if len(types) == 0 {
			if tr, err := cb.cfg.GetRole(target.Role); err == nil {
				types = tr.TaskTypes
			}
		}
		if len(types) == 0 {
			fmt.Fprintf(&sb, "- %s (any task type)\n", target.Role)
		} else {
			fmt.Fprintf(&sb, "- %s: %s\n", target.Role, strings.Join(types, ", "))
		}
	}
	return sb.String()
}

// formatRoleManifest lists every other configured role for open-routing
// agents. Role order is alphabetical so the prompt is stable.
func (cb *ContextBuilder) formatRoleManifest(self *config.RoleConfig) string {
	var sb strings.Builder
	sb.WriteString("## Available Roles\n")
	for _, name := range cb.cfg.Roles.Names() {
		if name == self.Name {
			continue
		}
		role, err := cb.cfg.GetRole(name)
		if err != nil {
			continue
		}
		types := "any task type"
		if len(role.TaskTypes) > 0 {
			types = strings.Join(role.TaskTypes, ", ")
		}
		if role.Description != "" {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", name, types, role.Description)
		} else {
			fmt.Fprintf(&sb, "- %s (%s)\n", name, types)
		}
	}
	return sb.String()
}

// directiveInstructions tells the agent how to report its result and
// refer work downstream. The JSON keys mirror the handoff fields the
// board accepts.
const directiveInstructions = `## Response Format
Write your result as plain text. To hand work to a downstream role, end
your reply with a fenced json block:

` + "```json" + `
{
  "handoffs": [
    {"title": "...", "task_type": "...", "assigned_to": "...",
     "description": "...", "priority": "medium", "blocked_by": []}
  ],
  "decision": "one-line summary of a decision worth logging",
  "reasoning": "why you decided that"
}
` + "```" + `

Omit the block entirely when there is nothing to hand off and no
decision to log.
`
