package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// ClaimTask atomically claims the highest-priority oldest pending task
// for the role: claimed_by, status=in_progress and started_at are set
// in a single guarded UPDATE, so at most one caller receives any given
// row. Returns (nil, nil) when nothing is claimable — an empty queue is
// not an error.
//
// On SQLite the statement is serialized by the single writer. On
// PostgreSQL a concurrent loser re-evaluates the guard against the
// committed row, sees status != pending, and updates nothing.
func (b *Board) ClaimTask(ctx context.Context, role, instanceID string) (*models.Task, error) {
	if role == "" {
		return nil, services.NewValidationError("role", "role is required")
	}
	if instanceID == "" {
		return nil, services.NewValidationError("instance_id", "instance ID is required")
	}

	row := b.store.QueryRow(ctx, `
		UPDATE tasks SET claimed_by = ?, status = 'in_progress', started_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE assigned_to = ? AND status = 'pending' AND claimed_by IS NULL
			ORDER BY CASE priority
				WHEN 'critical' THEN 0
				WHEN 'high' THEN 1
				WHEN 'medium' THEN 2
				WHEN 'low' THEN 3
				ELSE 99 END,
				created_at, id
			LIMIT 1
		) AND status = 'pending' AND claimed_by IS NULL
		RETURNING `+taskColumns,
		instanceID, database.FormatTime(database.Now()), role)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task for role %s: %w", role, err)
	}

	b.log.Info("task claimed",
		"task_id", task.ID,
		"role", role,
		"instance_id", instanceID,
		"priority", task.Priority)
	return task, nil
}
