package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
)

// DefaultDecisionLimit bounds decision listings when the caller does
// not pass an explicit limit.
const DefaultDecisionLimit = 100

// DecisionService stores the decision log: the why behind each
// routing or rejection an agent makes.
type DecisionService struct {
	store *database.Store
}

// NewDecisionService creates a new DecisionService.
func NewDecisionService(store *database.Store) *DecisionService {
	if store == nil {
		panic("NewDecisionService: store must not be nil")
	}
	return &DecisionService{store: store}
}

// LogDecisionInput contains one decision log entry.
type LogDecisionInput struct {
	InstanceID string
	TaskID     string
	Decision   string
	Reasoning  string
}

// Log stores a decision. Event emission is the caller's job.
func (s *DecisionService) Log(ctx context.Context, input LogDecisionInput) (*models.Decision, error) {
	if input.InstanceID == "" {
		return nil, NewValidationError("instance_id", "instance ID is required")
	}
	if input.Decision == "" {
		return nil, NewValidationError("decision", "decision text is required")
	}

	decision := &models.Decision{
		ID:         uuid.New().String(),
		InstanceID: input.InstanceID,
		TaskID:     input.TaskID,
		Decision:   input.Decision,
		Reasoning:  input.Reasoning,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.store.Exec(ctx, `
		INSERT INTO decisions (id, instance_id, task_id, decision, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		decision.ID, decision.InstanceID, decision.TaskID,
		decision.Decision, decision.Reasoning,
		database.FormatTime(decision.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to store decision: %w", err)
	}
	return decision, nil
}

// List returns recent decisions, newest first. A non-empty taskID
// restricts the result to one task.
func (s *DecisionService) List(ctx context.Context, taskID string, limit int) ([]*models.Decision, error) {
	if limit <= 0 {
		limit = DefaultDecisionLimit
	}

	query := `
		SELECT id, instance_id, task_id, decision, reasoning, created_at
		FROM decisions`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*models.Decision
	for rows.Next() {
		var (
			d         models.Decision
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.InstanceID, &d.TaskID, &d.Decision, &d.Reasoning, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}
