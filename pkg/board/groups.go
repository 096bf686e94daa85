package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

const groupColumns = "id, title, origin, status, created_by, created_at, completed_at"

// CreateGroup opens a new task group. The ID prefix comes from the
// creator's group_prefix; creators that are not roles (the dashboard's
// "user") fall back to the default prefix. A role without
// can_create_groups is rejected.
func (b *Board) CreateGroup(ctx context.Context, title, origin, createdBy string) (*models.Group, error) {
	if title == "" {
		return nil, services.NewValidationError("title", "title is required")
	}
	if createdBy == "" {
		return nil, services.NewValidationError("created_by", "created_by is required")
	}
	if role, err := b.cfg.GetRole(createdBy); err == nil && !role.CanCreateGroups {
		return nil, services.NewValidationError("created_by",
			fmt.Sprintf("role '%s' may not create groups", createdBy))
	}

	var group *models.Group
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		g, err := createGroupTx(ctx, tx, b.cfg.GroupPrefix(createdBy), title, origin, createdBy, database.Now())
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Info("group created", "group_id", group.ID, "created_by", createdBy)
	return group, nil
}

func createGroupTx(ctx context.Context, tx *database.Tx, prefix, title, origin, createdBy string, now time.Time) (*models.Group, error) {
	id, err := tx.MintID(ctx, prefix)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO groups (id, title, origin, status, created_by, created_at)
		VALUES (?, ?, ?, 'active', ?, ?)`,
		id, title, origin, createdBy, database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert group %s: %w", id, err)
	}
	return &models.Group{
		ID:        id,
		Title:     title,
		Origin:    origin,
		Status:    models.GroupActive,
		CreatedBy: createdBy,
		CreatedAt: now,
	}, nil
}

// GetGroup returns one group by ID.
func (b *Board) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	row := b.store.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group %s", services.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", id, err)
	}
	return group, nil
}

// GetGroups lists groups, newest first, optionally filtered by status.
func (b *Board) GetGroups(ctx context.Context, status string) ([]*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups`
	var args []any
	if status != "" {
		if !models.GroupStatus(status).Valid() {
			return nil, services.NewValidationError("status",
				fmt.Sprintf("unknown group status '%s'", status))
		}
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := b.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*models.Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// ArchiveGroupsBefore archives completed groups whose completion is
// older than the cutoff. Returns the number of groups archived.
func (b *Board) ArchiveGroupsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.store.Exec(ctx, `
		UPDATE groups SET status = 'archived'
		WHERE status = 'completed' AND completed_at IS NOT NULL AND completed_at < ?`,
		database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to archive groups: %w", err)
	}
	archived, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count archived groups: %w", err)
	}
	if archived > 0 {
		b.log.Info("groups archived", "count", archived, "cutoff", cutoff)
	}
	return archived, nil
}

// GoalResult is the root group and root task created for a goal.
type GoalResult struct {
	Group *models.Group `json:"group"`
	Task  *models.Task  `json:"task"`
}

// SubmitGoal creates a root group and a root task assigned to the
// configured root role. This is the entry point for human goals: the
// root role's loops claim the task and decompose it from there.
func (b *Board) SubmitGoal(ctx context.Context, title, description string) (*GoalResult, error) {
	if title == "" {
		return nil, services.NewValidationError("title", "title is required")
	}
	role, err := b.cfg.GetRole(b.cfg.RootRole)
	if err != nil {
		return nil, fmt.Errorf("%w: root role '%s' is not configured", services.ErrInvalidInput, b.cfg.RootRole)
	}
	taskType := "goal"
	if len(role.TaskTypes) > 0 {
		taskType = role.TaskTypes[0]
	}

	var result *GoalResult
	err = b.store.WithTx(ctx, func(tx *database.Tx) error {
		now := database.Now()
		group, err := createGroupTx(ctx, tx, b.cfg.GroupPrefix("user"), title, "goal", "user", now)
		if err != nil {
			return err
		}
		task, err := createTaskTx(ctx, tx, b.cfg.TaskPrefix(role.Name), CreateTaskInput{
			GroupID:     group.ID,
			Title:       title,
			Description: description,
			TaskType:    taskType,
			Priority:    models.PriorityMedium,
			AssignedTo:  role.Name,
			CreatedBy:   "user",
		}, now)
		if err != nil {
			return err
		}
		result = &GoalResult{Group: group, Task: task}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Info("goal submitted",
		"group_id", result.Group.ID,
		"task_id", result.Task.ID,
		"root_role", role.Name)
	return result, nil
}

// completeGroupIfDone marks the group completed once every contained
// task is terminal. Returns whether the transition happened.
func completeGroupIfDone(ctx context.Context, q querier, groupID string, now time.Time) (bool, error) {
	res, err := q.Exec(ctx, `
		UPDATE groups SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'active' AND NOT EXISTS (
			SELECT 1 FROM tasks
			WHERE group_id = ? AND status IN ('pending', 'blocked', 'in_progress')
		)`,
		database.FormatTime(now), groupID, groupID)
	if err != nil {
		return false, fmt.Errorf("failed to check group completion for %s: %w", groupID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func scanGroup(row rowScanner) (*models.Group, error) {
	var (
		group       models.Group
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&group.ID, &group.Title, &group.Origin, &status,
		&group.CreatedBy, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	group.Status = models.GroupStatus(status)
	var err error
	if group.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse group created_at: %w", err)
	}
	if group.CompletedAt, err = database.ScanNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse group completed_at: %w", err)
	}
	return &group, nil
}
