package board

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// HasCycle reports whether adding the edge (taskID, candidateBlocker)
// would close a dependency cycle: BFS upstream from the candidate over
// unresolved edges; reaching taskID means a cycle. A self-edge is a
// trivial cycle.
func (b *Board) HasCycle(ctx context.Context, taskID, candidateBlocker string) (bool, error) {
	return hasCycle(ctx, b.store, taskID, candidateBlocker)
}

func hasCycle(ctx context.Context, q querier, taskID, candidateBlocker string) (bool, error) {
	if taskID == candidateBlocker {
		return true, nil
	}
	visited := map[string]bool{candidateBlocker: true}
	queue := []string{candidateBlocker}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		blockers, err := queryStrings(ctx, q,
			`SELECT blocked_by FROM task_dependencies WHERE task_id = ? AND resolved = 0`, current)
		if err != nil {
			return false, fmt.Errorf("failed to walk dependencies of %s: %w", current, err)
		}
		for _, blocker := range blockers {
			if blocker == taskID {
				return true, nil
			}
			if !visited[blocker] {
				visited[blocker] = true
				queue = append(queue, blocker)
			}
		}
	}
	return false, nil
}

// AddDependency blocks taskID on blockedBy. The task must not be
// running or terminal, the edge must not already exist, and the edge
// must not close a cycle. A pending task transitions to blocked.
func (b *Board) AddDependency(ctx context.Context, taskID, blockedBy string) error {
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, err := getTask(ctx, tx, blockedBy); err != nil {
			return err
		}
		if task.Status != models.TaskPending && task.Status != models.TaskBlocked {
			return fmt.Errorf("%w: task %s is %s, dependencies can only be added before it starts",
				services.ErrInvalidInput, taskID, task.Status)
		}

		var exists int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM task_dependencies WHERE task_id = ? AND blocked_by = ?`,
			taskID, blockedBy).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check dependency %s -> %s: %w", taskID, blockedBy, err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: dependency %s -> %s", services.ErrAlreadyExists, taskID, blockedBy)
		}

		cyclic, err := hasCycle(ctx, tx, taskID, blockedBy)
		if err != nil {
			return err
		}
		if cyclic {
			return services.NewValidationError("blocked_by",
				fmt.Sprintf("dependency %s -> %s would create a cycle", taskID, blockedBy))
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO task_dependencies (task_id, blocked_by, resolved) VALUES (?, ?, 0)`,
			taskID, blockedBy); err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", taskID, blockedBy, err)
		}
		if task.Status == models.TaskPending {
			if _, err := tx.Exec(ctx,
				`UPDATE tasks SET status = 'blocked' WHERE id = ? AND status = 'pending'`,
				taskID); err != nil {
				return fmt.Errorf("failed to block task %s: %w", taskID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.log.Info("dependency added", "task_id", taskID, "blocked_by", blockedBy)
	return nil
}

// GetDependencies returns the task's edges, unresolved first.
func (b *Board) GetDependencies(ctx context.Context, taskID string) ([]*models.Dependency, error) {
	rows, err := b.store.Query(ctx, `
		SELECT task_id, blocked_by, resolved, resolved_at FROM task_dependencies
		WHERE task_id = ? ORDER BY resolved, blocked_by`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies of %s: %w", taskID, err)
	}
	defer rows.Close()

	deps := make([]*models.Dependency, 0)
	for rows.Next() {
		var (
			dep        models.Dependency
			resolved   int
			resolvedAt sql.NullString
		)
		if err := rows.Scan(&dep.TaskID, &dep.BlockedBy, &resolved, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dependency row: %w", err)
		}
		dep.Resolved = resolved != 0
		if dep.ResolvedAt, err = database.ScanNullableTime(resolvedAt); err != nil {
			return nil, err
		}
		deps = append(deps, &dep)
	}
	return deps, rows.Err()
}

// resolveBlockerEdges marks every unresolved edge pointing at the
// blocker as resolved and moves dependents whose unresolved edge count
// dropped to zero from blocked to pending. The transitions are silent;
// the downstream role's poll discovers the new pending work.
func resolveBlockerEdges(ctx context.Context, q querier, blockerID string, now time.Time) ([]string, error) {
	dependents, err := queryStrings(ctx, q,
		`SELECT DISTINCT task_id FROM task_dependencies WHERE blocked_by = ? AND resolved = 0`,
		blockerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents of %s: %w", blockerID, err)
	}
	if len(dependents) == 0 {
		return nil, nil
	}

	if _, err := q.Exec(ctx, `
		UPDATE task_dependencies SET resolved = 1, resolved_at = ?
		WHERE blocked_by = ? AND resolved = 0`,
		database.FormatTime(now), blockerID); err != nil {
		return nil, fmt.Errorf("failed to resolve edges to %s: %w", blockerID, err)
	}

	var unblocked []string
	for _, dep := range dependents {
		ready, err := unblockIfReady(ctx, q, dep)
		if err != nil {
			return nil, err
		}
		if ready {
			unblocked = append(unblocked, dep)
		}
	}
	return unblocked, nil
}

// unblockIfReady transitions a blocked task to pending once it has no
// unresolved edges left.
func unblockIfReady(ctx context.Context, q querier, taskID string) (bool, error) {
	var unresolved int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_dependencies WHERE task_id = ? AND resolved = 0`,
		taskID).Scan(&unresolved)
	if err != nil {
		return false, fmt.Errorf("failed to count unresolved edges of %s: %w", taskID, err)
	}
	if unresolved > 0 {
		return false, nil
	}

	res, err := q.Exec(ctx,
		`UPDATE tasks SET status = 'pending' WHERE id = ? AND status = 'blocked'`, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to unblock task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// cascadeFail fails every task transitively blocked by the root,
// breadth-first, resolving the edges as it goes. Bounded by the DAG
// depth; cycles cannot exist among unresolved edges.
func cascadeFail(ctx context.Context, q querier, rootID string, now time.Time) ([]string, error) {
	var cascaded []string
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, blocker := range frontier {
			dependents, err := queryStrings(ctx, q, `
				SELECT DISTINCT d.task_id FROM task_dependencies d
				JOIN tasks t ON t.id = d.task_id
				WHERE d.blocked_by = ? AND d.resolved = 0 AND t.status = 'blocked'`,
				blocker)
			if err != nil {
				return nil, fmt.Errorf("failed to query blocked dependents of %s: %w", blocker, err)
			}
			if _, err := q.Exec(ctx, `
				UPDATE task_dependencies SET resolved = 1, resolved_at = ?
				WHERE blocked_by = ? AND resolved = 0`,
				database.FormatTime(now), blocker); err != nil {
				return nil, fmt.Errorf("failed to resolve edges to %s: %w", blocker, err)
			}
			for _, dep := range dependents {
				res, err := q.Exec(ctx, `
					UPDATE tasks SET status = 'failed', claimed_by = NULL, completed_at = ?
					WHERE id = ? AND status = 'blocked'`,
					database.FormatTime(now), dep)
				if err != nil {
					return nil, fmt.Errorf("failed to cascade-fail task %s: %w", dep, err)
				}
				if affected, err := res.RowsAffected(); err == nil && affected == 1 {
					cascaded = append(cascaded, dep)
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	return cascaded, nil
}
