package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

const taskColumns = "id, group_id, parent_id, revision_of, title, description, " +
	"task_type, priority, assigned_to, claimed_by, status, created_by, " +
	"created_at, started_at, completed_at, rejection_reason, output_text"

// DefaultSearchLimit caps search results when the caller passes no limit.
const DefaultSearchLimit = 50

// CreateTaskInput carries the fields for a new task.
type CreateTaskInput struct {
	GroupID     string          `json:"group_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	TaskType    string          `json:"task_type"`
	Priority    models.Priority `json:"priority,omitempty"`
	AssignedTo  string          `json:"assigned_to"`
	CreatedBy   string          `json:"assigned_by"`
	ParentID    *string         `json:"parent_id,omitempty"`
	RevisionOf  *string         `json:"revision_of,omitempty"`
	BlockedBy   []string        `json:"blocked_by,omitempty"`
}

func (in *CreateTaskInput) validate(cfg roleChecker) error {
	if in.GroupID == "" {
		return services.NewValidationError("group_id", "group_id is required")
	}
	if in.Title == "" {
		return services.NewValidationError("title", "title is required")
	}
	if in.TaskType == "" {
		return services.NewValidationError("task_type", "task_type is required")
	}
	if in.AssignedTo == "" {
		return services.NewValidationError("assigned_to", "assigned_to is required")
	}
	if !cfg.Has(in.AssignedTo) {
		return services.NewValidationError("assigned_to",
			fmt.Sprintf("unknown role '%s'", in.AssignedTo))
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.Valid() {
		return services.NewValidationError("priority",
			fmt.Sprintf("unknown priority '%s'", in.Priority))
	}
	return nil
}

// roleChecker is the slice of the role registry the board needs for
// input validation.
type roleChecker interface {
	Has(name string) bool
}

// CreateTask creates a task in an existing group. The task starts
// blocked when blocked_by is non-empty, pending otherwise. The caller
// emits task.created after a successful return.
func (b *Board) CreateTask(ctx context.Context, input CreateTaskInput) (*models.Task, error) {
	if err := input.validate(b.cfg.Roles); err != nil {
		return nil, err
	}

	var task *models.Task
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		t, err := createTaskTx(ctx, tx, b.cfg.TaskPrefix(input.AssignedTo), input, database.Now())
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.Info("task created",
		"task_id", task.ID,
		"group_id", task.GroupID,
		"assigned_to", task.AssignedTo,
		"status", task.Status)
	return task, nil
}

// createTaskTx mints the ID and inserts the task plus its dependency
// edges. Input must already be validated.
func createTaskTx(ctx context.Context, tx *database.Tx, prefix string, input CreateTaskInput, now time.Time) (*models.Task, error) {
	var exists int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE id = ?`, input.GroupID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check group %s: %w", input.GroupID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: group %s", services.ErrNotFound, input.GroupID)
	}

	blockedBy := dedupe(input.BlockedBy)
	for _, blocker := range blockedBy {
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, blocker).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check blocker %s: %w", blocker, err)
		}
		if exists == 0 {
			return nil, services.NewValidationError("blocked_by",
				fmt.Sprintf("unknown task '%s'", blocker))
		}
	}

	id, err := tx.MintID(ctx, prefix)
	if err != nil {
		return nil, err
	}

	status := models.TaskPending
	if len(blockedBy) > 0 {
		status = models.TaskBlocked
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, group_id, parent_id, revision_of, title, description,
			task_type, priority, assigned_to, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, input.GroupID, nullable(input.ParentID), nullable(input.RevisionOf),
		input.Title, input.Description, input.TaskType, string(input.Priority),
		input.AssignedTo, string(status), input.CreatedBy, database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert task %s: %w", id, err)
	}

	// A brand-new task cannot close a cycle: nothing depends on it yet.
	for _, blocker := range blockedBy {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_dependencies (task_id, blocked_by, resolved)
			VALUES (?, ?, 0)`, id, blocker); err != nil {
			return nil, fmt.Errorf("failed to insert dependency %s -> %s: %w", id, blocker, err)
		}
	}

	return &models.Task{
		ID:          id,
		GroupID:     input.GroupID,
		ParentID:    input.ParentID,
		RevisionOf:  input.RevisionOf,
		Title:       input.Title,
		Description: input.Description,
		TaskType:    input.TaskType,
		Priority:    input.Priority,
		AssignedTo:  input.AssignedTo,
		Status:      status,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
	}, nil
}

// GetTask returns one task by ID.
func (b *Board) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, b.store, id)
}

func getTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	row := q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", services.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return task, nil
}

// GetGroupTasks returns all tasks of a group in creation order.
func (b *Board) GetGroupTasks(ctx context.Context, groupID string) ([]*models.Task, error) {
	if _, err := b.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rows, err := b.store.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for group %s: %w", groupID, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountPending returns how many pending tasks are queued for the role.
// The auto-scaler polls this every tick.
func (b *Board) CountPending(ctx context.Context, role string) (int, error) {
	var count int
	err := b.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_to = ? AND status = 'pending'`,
		role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks for %s: %w", role, err)
	}
	return count, nil
}

// CountByStatus returns task counts per status. Statuses with no tasks
// are present with a zero count.
func (b *Board) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := b.store.Query(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int, len(models.TaskStatuses))
	for _, status := range models.TaskStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// GetBoard returns tasks grouped by status, every status present even
// when empty.
func (b *Board) GetBoard(ctx context.Context, filters models.TaskFilters) (map[models.TaskStatus][]*models.Task, error) {
	where, args := filterClauses(filters)
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at, id`

	rows, err := b.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query board: %w", err)
	}
	defer rows.Close()

	boardView := make(map[models.TaskStatus][]*models.Task, len(models.TaskStatuses))
	for _, status := range models.TaskStatuses {
		boardView[status] = make([]*models.Task, 0)
	}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		boardView[task.Status] = append(boardView[task.Status], task)
	}
	return boardView, rows.Err()
}

// SearchTasks finds tasks whose title or description contains the query
// substring, case-insensitively. Newest first.
func (b *Board) SearchTasks(ctx context.Context, query string, filters models.TaskFilters, limit int) (*models.SearchResult, error) {
	if query == "" {
		return nil, services.NewValidationError("q", "search query is required")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	where, args := filterClauses(filters)
	where = append(where, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`)
	args = append(args, pattern, pattern)
	whereSQL := ` WHERE ` + strings.Join(where, ` AND `)

	var total int
	if err := b.store.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+whereSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count search results: %w", err)
	}

	rows, err := b.store.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks`+whereSQL+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to search tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	return &models.SearchResult{Total: total, Tasks: tasks}, nil
}

// UpdateTaskInput patches task fields; nil pointers leave the column
// untouched. Status changes go through the dedicated lifecycle methods.
type UpdateTaskInput struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	TaskType    *string          `json:"task_type,omitempty"`
	Priority    *models.Priority `json:"priority,omitempty"`
	AssignedTo  *string          `json:"assigned_to,omitempty"`
}

// UpdateTask applies a partial update and returns the fresh row.
// Reassignment keeps the minted ID; only future claims see the new role.
func (b *Board) UpdateTask(ctx context.Context, id string, input UpdateTaskInput) (*models.Task, error) {
	var sets []string
	var args []any
	if input.Title != nil {
		if *input.Title == "" {
			return nil, services.NewValidationError("title", "title must not be empty")
		}
		sets = append(sets, "title = ?")
		args = append(args, *input.Title)
	}
	if input.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *input.Description)
	}
	if input.TaskType != nil {
		if *input.TaskType == "" {
			return nil, services.NewValidationError("task_type", "task_type must not be empty")
		}
		sets = append(sets, "task_type = ?")
		args = append(args, *input.TaskType)
	}
	if input.Priority != nil {
		if !input.Priority.Valid() {
			return nil, services.NewValidationError("priority",
				fmt.Sprintf("unknown priority '%s'", *input.Priority))
		}
		sets = append(sets, "priority = ?")
		args = append(args, string(*input.Priority))
	}
	if input.AssignedTo != nil {
		if !b.cfg.Roles.Has(*input.AssignedTo) {
			return nil, services.NewValidationError("assigned_to",
				fmt.Sprintf("unknown role '%s'", *input.AssignedTo))
		}
		sets = append(sets, "assigned_to = ?")
		args = append(args, *input.AssignedTo)
	}
	if len(sets) == 0 {
		return b.GetTask(ctx, id)
	}

	res, err := b.store.Exec(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		append(args, id)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, fmt.Errorf("%w: task %s", services.ErrNotFound, id)
	}
	return b.GetTask(ctx, id)
}

// DeleteTask removes the task and its dependency edges. Blocked
// dependents whose last unresolved edge pointed at the deleted task
// move to pending, silently.
func (b *Board) DeleteTask(ctx context.Context, id string) error {
	err := b.store.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := getTask(ctx, tx, id); err != nil {
			return err
		}
		dependents, err := queryStrings(ctx, tx,
			`SELECT DISTINCT task_id FROM task_dependencies WHERE blocked_by = ? AND resolved = 0`, id)
		if err != nil {
			return fmt.Errorf("failed to query dependents of %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM task_dependencies WHERE task_id = ? OR blocked_by = ?`, id, id); err != nil {
			return fmt.Errorf("failed to delete dependencies of %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
		for _, dep := range dependents {
			if _, err := unblockIfReady(ctx, tx, dep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.log.Info("task deleted", "task_id", id)
	return nil
}

func filterClauses(filters models.TaskFilters) ([]string, []any) {
	var where []string
	var args []any
	if filters.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, filters.GroupID)
	}
	if filters.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, filters.AssignedTo)
	}
	if filters.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, filters.ClaimedBy)
	}
	if filters.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, filters.TaskType)
	}
	if filters.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, filters.Priority)
	}
	return where, args
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func nullable(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task        models.Task
		parentID    sql.NullString
		revisionOf  sql.NullString
		priority    string
		claimedBy   sql.NullString
		status      string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&task.ID, &task.GroupID, &parentID, &revisionOf, &task.Title,
		&task.Description, &task.TaskType, &priority, &task.AssignedTo, &claimedBy,
		&status, &task.CreatedBy, &createdAt, &startedAt, &completedAt,
		&task.RejectionReason, &task.OutputText)
	if err != nil {
		return nil, err
	}

	task.Priority = models.Priority(priority)
	task.Status = models.TaskStatus(status)
	if parentID.Valid && parentID.String != "" {
		task.ParentID = &parentID.String
	}
	if revisionOf.Valid && revisionOf.String != "" {
		task.RevisionOf = &revisionOf.String
	}
	if claimedBy.Valid && claimedBy.String != "" {
		task.ClaimedBy = &claimedBy.String
	}
	if task.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse task created_at: %w", err)
	}
	if task.StartedAt, err = database.ScanNullableTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse task started_at: %w", err)
	}
	if task.CompletedAt, err = database.ScanNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse task completed_at: %w", err)
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
