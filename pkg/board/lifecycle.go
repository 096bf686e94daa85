package board

import (
	"context"
	"fmt"
	"time"

	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// CompletionResult reports what a completion changed beyond the task
// itself: dependents released to pending and whether the whole group
// finished.
type CompletionResult struct {
	Task           *models.Task `json:"task"`
	Unblocked      []string     `json:"unblocked,omitempty"`
	GroupCompleted bool         `json:"group_completed"`
}

// CompleteTask marks the task completed, resolves edges pointing at it,
// releases ready dependents, and closes the group when every task in it
// is terminal. The caller emits task.completed afterwards.
func (b *Board) CompleteTask(ctx context.Context, id, output string) (*CompletionResult, error) {
	var result *CompletionResult
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		r, err := completeTaskTx(ctx, tx, id, output)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Info("task completed",
		"task_id", id,
		"unblocked", len(result.Unblocked),
		"group_completed", result.GroupCompleted)
	return result, nil
}

func completeTaskTx(ctx context.Context, tx *database.Tx, id, output string) (*CompletionResult, error) {
	task, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is already %s", services.ErrInvalidInput, id, task.Status)
	}

	now := database.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'completed', claimed_by = NULL, completed_at = ?, output_text = ?
		WHERE id = ?`,
		database.FormatTime(now), output, id); err != nil {
		return nil, fmt.Errorf("failed to complete task %s: %w", id, err)
	}

	unblocked, err := resolveBlockerEdges(ctx, tx, id, now)
	if err != nil {
		return nil, err
	}
	groupCompleted, err := completeGroupIfDone(ctx, tx, task.GroupID, now)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskCompleted
	task.ClaimedBy = nil
	task.CompletedAt = &now
	task.OutputText = output
	return &CompletionResult{
		Task:           task,
		Unblocked:      unblocked,
		GroupCompleted: groupCompleted,
	}, nil
}

// FailureResult reports a failure and the transitive fallout.
type FailureResult struct {
	Task           *models.Task `json:"task"`
	Cascaded       []string     `json:"cascaded,omitempty"`
	GroupCompleted bool         `json:"group_completed"`
}

// FailTask marks the task failed and cascade-fails everything
// transitively blocked by it, resolving the edges along the way.
func (b *Board) FailTask(ctx context.Context, id string) (*FailureResult, error) {
	var result *FailureResult
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		task, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: task %s is already %s", services.ErrInvalidInput, id, task.Status)
		}

		now := database.Now()
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'failed', claimed_by = NULL, completed_at = ?
			WHERE id = ?`,
			database.FormatTime(now), id); err != nil {
			return fmt.Errorf("failed to fail task %s: %w", id, err)
		}

		cascaded, err := cascadeFail(ctx, tx, id, now)
		if err != nil {
			return err
		}
		groupCompleted, err := b.completeAffectedGroups(ctx, tx, task.GroupID, cascaded, now)
		if err != nil {
			return err
		}

		task.Status = models.TaskFailed
		task.ClaimedBy = nil
		task.CompletedAt = &now
		result = &FailureResult{Task: task, Cascaded: cascaded, GroupCompleted: groupCompleted}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Warn("task failed", "task_id", id, "cascaded", len(result.Cascaded))
	return result, nil
}

// completeAffectedGroups runs the group-completion check for the root
// task's group plus every group a cascade reached. Returns whether the
// root group completed.
func (b *Board) completeAffectedGroups(ctx context.Context, tx *database.Tx, rootGroup string, cascaded []string, now time.Time) (bool, error) {
	groups := map[string]bool{rootGroup: true}
	if len(cascaded) > 0 {
		placeholders, args := inPlaceholders(cascaded)
		more, err := queryStrings(ctx, tx,
			`SELECT DISTINCT group_id FROM tasks WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return false, fmt.Errorf("failed to collect cascade groups: %w", err)
		}
		for _, g := range more {
			groups[g] = true
		}
	}

	rootCompleted := false
	for g := range groups {
		done, err := completeGroupIfDone(ctx, tx, g, now)
		if err != nil {
			return false, err
		}
		if done && g == rootGroup {
			rootCompleted = true
		}
	}
	return rootCompleted, nil
}

// RejectTask marks the task rejected with a reason. Edges to it stay
// unresolved; the periodic stuck-blocked sweep decides the dependents'
// fate.
func (b *Board) RejectTask(ctx context.Context, id, reason string) (*models.Task, error) {
	if reason == "" {
		return nil, services.NewValidationError("reason", "rejection reason is required")
	}
	task, err := b.terminate(ctx, id, models.TaskRejected, reason)
	if err != nil {
		return nil, err
	}
	b.log.Info("task rejected", "task_id", id, "reason", reason)
	return task, nil
}

// CancelTask marks the task cancelled. The reason may be empty.
func (b *Board) CancelTask(ctx context.Context, id, reason string) (*models.Task, error) {
	task, err := b.terminate(ctx, id, models.TaskCancelled, reason)
	if err != nil {
		return nil, err
	}
	b.log.Info("task cancelled", "task_id", id)
	return task, nil
}

// terminate is the shared reject/cancel path: stamp the terminal
// status, clear the claim, then check the group.
func (b *Board) terminate(ctx context.Context, id string, status models.TaskStatus, reason string) (*models.Task, error) {
	var task *models.Task
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task %s is already %s", services.ErrInvalidInput, id, t.Status)
		}

		now := database.Now()
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = ?, claimed_by = NULL, completed_at = ?, rejection_reason = ?
			WHERE id = ?`,
			string(status), database.FormatTime(now), reason, id); err != nil {
			return fmt.Errorf("failed to set task %s to %s: %w", id, status, err)
		}
		if _, err := completeGroupIfDone(ctx, tx, t.GroupID, now); err != nil {
			return err
		}

		t.Status = status
		t.ClaimedBy = nil
		t.CompletedAt = &now
		t.RejectionReason = reason
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Handoff describes one downstream task created as part of a
// completion.
type Handoff struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	TaskType    string          `json:"task_type"`
	AssignedTo  string          `json:"assigned_to"`
	Priority    models.Priority `json:"priority,omitempty"`
	BlockedBy   []string        `json:"blocked_by,omitempty"`
	RevisionOf  *string         `json:"revision_of,omitempty"`

	// NewGroup opens a fresh group for the handoff instead of reusing
	// the completed task's group. Requires can_create_groups on the
	// completing role.
	NewGroup   bool   `json:"new_group,omitempty"`
	GroupTitle string `json:"group_title,omitempty"`
}

// HandoffResult is the outcome of CompleteAndHandoff.
type HandoffResult struct {
	Completion *CompletionResult `json:"completion"`
	Created    []*models.Task    `json:"created,omitempty"`
	Skipped    []string          `json:"skipped,omitempty"`
}

// CompleteAndHandoff atomically creates the downstream tasks an agent
// routed to and completes the source task. Handoffs are created first,
// so a handoff blocked on the completing task is released in the same
// transaction. A duplicate of an existing live child is logged and
// skipped; the completion itself still goes through.
func (b *Board) CompleteAndHandoff(ctx context.Context, id, output string, handoffs []Handoff) (*HandoffResult, error) {
	result := &HandoffResult{}
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		task, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: task %s is already %s", services.ErrInvalidInput, id, task.Status)
		}
		role, err := b.cfg.GetRole(task.AssignedTo)
		if err != nil {
			return fmt.Errorf("%w: task %s is assigned to unconfigured role '%s'",
				services.ErrInvalidInput, id, task.AssignedTo)
		}

		now := database.Now()
		var createdIDs []string
		for _, handoff := range handoffs {
			if err := b.validateHandoff(role, handoff); err != nil {
				return err
			}

			duplicate, err := liveChildExists(ctx, tx, id, handoff)
			if err != nil {
				return err
			}
			if duplicate {
				b.log.Warn("duplicate handoff skipped",
					"parent_id", id,
					"assigned_to", handoff.AssignedTo,
					"task_type", handoff.TaskType,
					"title", handoff.Title)
				result.Skipped = append(result.Skipped,
					fmt.Sprintf("%s/%s: %s", handoff.AssignedTo, handoff.TaskType, handoff.Title))
				continue
			}

			groupID := task.GroupID
			if handoff.NewGroup {
				if !role.CanCreateGroups {
					return services.NewValidationError("new_group",
						fmt.Sprintf("role '%s' may not create groups", role.Name))
				}
				groupTitle := handoff.GroupTitle
				if groupTitle == "" {
					groupTitle = handoff.Title
				}
				group, err := createGroupTx(ctx, tx, b.cfg.GroupPrefix(role.Name),
					groupTitle, "handoff", role.Name, now)
				if err != nil {
					return err
				}
				groupID = group.ID
			}

			input := CreateTaskInput{
				GroupID:     groupID,
				Title:       handoff.Title,
				Description: handoff.Description,
				TaskType:    handoff.TaskType,
				Priority:    handoff.Priority,
				AssignedTo:  handoff.AssignedTo,
				CreatedBy:   role.Name,
				ParentID:    &task.ID,
				RevisionOf:  handoff.RevisionOf,
				BlockedBy:   handoff.BlockedBy,
			}
			if err := input.validate(b.cfg.Roles); err != nil {
				return err
			}
			created, err := createTaskTx(ctx, tx, b.cfg.TaskPrefix(handoff.AssignedTo), input, now)
			if err != nil {
				return err
			}
			createdIDs = append(createdIDs, created.ID)
		}

		completion, err := completeTaskTx(ctx, tx, id, output)
		if err != nil {
			return err
		}
		result.Completion = completion

		// Re-read the created rows: completing the source may have
		// released a handoff that was blocked on it.
		for _, createdID := range createdIDs {
			created, err := getTask(ctx, tx, createdID)
			if err != nil {
				return err
			}
			result.Created = append(result.Created, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Info("task completed with handoffs",
		"task_id", id,
		"created", len(result.Created),
		"skipped", len(result.Skipped))
	return result, nil
}

// validateHandoff enforces the completing role's routing rules. Strict
// mode limits targets to routes_to with matching task types; open mode
// allows any configured role that accepts the type.
func (b *Board) validateHandoff(role *config.RoleConfig, handoff Handoff) error {
	if handoff.AssignedTo == "" {
		return services.NewValidationError("assigned_to", "handoff role is required")
	}
	target, err := b.cfg.GetRole(handoff.AssignedTo)
	if err != nil {
		return services.NewValidationError("assigned_to",
			fmt.Sprintf("unknown role '%s'", handoff.AssignedTo))
	}

	if role.RoutingMode == config.RoutingModeOpen {
		if !target.AcceptsTaskType(handoff.TaskType) {
			return services.NewValidationError("task_type",
				fmt.Sprintf("role '%s' does not accept task type '%s'", target.Name, handoff.TaskType))
		}
		return nil
	}

	for _, route := range role.RoutesTo {
		if route.Role != handoff.AssignedTo {
			continue
		}
		if len(route.TaskTypes) > 0 && !containsString(route.TaskTypes, handoff.TaskType) {
			return services.NewValidationError("task_type",
				fmt.Sprintf("route %s -> %s does not carry task type '%s'",
					role.Name, route.Role, handoff.TaskType))
		}
		return nil
	}
	return services.NewValidationError("assigned_to",
		fmt.Sprintf("role '%s' does not route to '%s'", role.Name, handoff.AssignedTo))
}

// liveChildExists reports whether the parent already has a non-terminal
// child with the same role, type, and title.
func liveChildExists(ctx context.Context, q querier, parentID string, handoff Handoff) (bool, error) {
	var count int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE parent_id = ? AND assigned_to = ? AND task_type = ? AND title = ?
		  AND status IN ('pending', 'blocked', 'in_progress')`,
		parentID, handoff.AssignedTo, handoff.TaskType, handoff.Title).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate child of %s: %w", parentID, err)
	}
	return count > 0, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
