package board

import (
	"context"
	"fmt"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
)

// RecoverOrphanedTasks requeues every in_progress task. A task can only
// be in_progress while a loop is executing it, so at boot any such row
// is an orphan from a crashed worker. The transitions are silent: no
// events fire, the next poll simply claims the work again.
func (b *Board) RecoverOrphanedTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := b.store.Query(ctx, `
		UPDATE tasks SET status = 'pending', claimed_by = NULL, started_at = NULL
		WHERE status = 'in_progress'
		RETURNING `+taskColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to recover orphaned tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		b.log.Warn("recovered orphaned tasks", "count", len(tasks))
	}
	return tasks, nil
}

// StuckRecovery reports what the stuck-blocked sweep changed.
type StuckRecovery struct {
	Unblocked []string `json:"unblocked,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// RecoverStuckBlockedTasks finds blocked tasks none of whose unresolved
// blockers are still live — a crash between completing a blocker and
// resolving its edges leaves this state behind. Each stale edge is
// resolved; the dependent moves to pending when every such blocker
// completed, and is cascade-failed when any of them terminated without
// completing.
func (b *Board) RecoverStuckBlockedTasks(ctx context.Context) (*StuckRecovery, error) {
	result := &StuckRecovery{}
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		candidates, err := queryStrings(ctx, tx, `
			SELECT t.id FROM tasks t
			WHERE t.status = 'blocked' AND NOT EXISTS (
				SELECT 1 FROM task_dependencies d
				JOIN tasks blocker ON blocker.id = d.blocked_by
				WHERE d.task_id = t.id AND d.resolved = 0
				  AND blocker.status IN ('pending', 'blocked', 'in_progress')
			)
			ORDER BY t.created_at, t.id`)
		if err != nil {
			return fmt.Errorf("failed to find stuck blocked tasks: %w", err)
		}

		now := database.Now()
		for _, id := range candidates {
			unhealthy, err := queryStrings(ctx, tx, `
				SELECT d.blocked_by FROM task_dependencies d
				JOIN tasks blocker ON blocker.id = d.blocked_by
				WHERE d.task_id = ? AND d.resolved = 0 AND blocker.status != 'completed'`,
				id)
			if err != nil {
				return fmt.Errorf("failed to inspect blockers of %s: %w", id, err)
			}

			if _, err := tx.Exec(ctx, `
				UPDATE task_dependencies SET resolved = 1, resolved_at = ?
				WHERE task_id = ? AND resolved = 0`,
				database.FormatTime(now), id); err != nil {
				return fmt.Errorf("failed to resolve stale edges of %s: %w", id, err)
			}

			if len(unhealthy) > 0 {
				res, err := tx.Exec(ctx, `
					UPDATE tasks SET status = 'failed', claimed_by = NULL, completed_at = ?
					WHERE id = ? AND status = 'blocked'`,
					database.FormatTime(now), id)
				if err != nil {
					return fmt.Errorf("failed to fail stuck task %s: %w", id, err)
				}
				if affected, err := res.RowsAffected(); err == nil && affected == 1 {
					result.Failed = append(result.Failed, id)
				}
				cascaded, err := cascadeFail(ctx, tx, id, now)
				if err != nil {
					return err
				}
				result.Failed = append(result.Failed, cascaded...)
			} else {
				res, err := tx.Exec(ctx,
					`UPDATE tasks SET status = 'pending' WHERE id = ? AND status = 'blocked'`, id)
				if err != nil {
					return fmt.Errorf("failed to requeue stuck task %s: %w", id, err)
				}
				if affected, err := res.RowsAffected(); err == nil && affected == 1 {
					result.Unblocked = append(result.Unblocked, id)
				}
			}
		}

		if len(result.Failed) > 0 {
			placeholders, args := inPlaceholders(result.Failed)
			groups, err := queryStrings(ctx, tx,
				`SELECT DISTINCT group_id FROM tasks WHERE id IN (`+placeholders+`)`, args...)
			if err != nil {
				return fmt.Errorf("failed to collect recovery groups: %w", err)
			}
			for _, g := range groups {
				if _, err := completeGroupIfDone(ctx, tx, g, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(result.Unblocked) > 0 || len(result.Failed) > 0 {
		b.log.Warn("recovered stuck blocked tasks",
			"unblocked", len(result.Unblocked),
			"failed", len(result.Failed))
	}
	return result, nil
}
