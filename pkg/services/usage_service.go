package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
)

// UsageService records per-invocation runner usage and aggregates it
// for the dashboard.
type UsageService struct {
	store *database.Store
}

// NewUsageService creates a new UsageService.
func NewUsageService(store *database.Store) *UsageService {
	if store == nil {
		panic("NewUsageService: store must not be nil")
	}
	return &UsageService{store: store}
}

// RecordUsageInput contains one runner invocation's consumption.
type RecordUsageInput struct {
	TaskID       string
	InstanceID   string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	DurationMS   int64
	NumTurns     int
}

// Record stores a usage row.
func (s *UsageService) Record(ctx context.Context, input RecordUsageInput) (*models.TaskUsage, error) {
	if input.TaskID == "" {
		return nil, NewValidationError("task_id", "task ID is required")
	}

	usage := &models.TaskUsage{
		ID:           uuid.New().String(),
		TaskID:       input.TaskID,
		InstanceID:   input.InstanceID,
		InputTokens:  input.InputTokens,
		OutputTokens: input.OutputTokens,
		CostUSD:      input.CostUSD,
		DurationMS:   input.DurationMS,
		NumTurns:     input.NumTurns,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.store.Exec(ctx, `
		INSERT INTO task_usage (id, task_id, instance_id, input_tokens, output_tokens, cost_usd, duration_ms, num_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.ID, usage.TaskID, usage.InstanceID,
		usage.InputTokens, usage.OutputTokens, usage.CostUSD,
		usage.DurationMS, usage.NumTurns,
		database.FormatTime(usage.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to record usage for task %s: %w", input.TaskID, err)
	}
	return usage, nil
}

// TotalsForTask aggregates every usage row of one task.
func (s *UsageService) TotalsForTask(ctx context.Context, taskID string) (*models.UsageTotals, error) {
	return s.queryTotals(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(duration_ms), 0)
		FROM task_usage WHERE task_id = ?`, taskID)
}

// TotalsForGroup aggregates usage across every task in a group.
func (s *UsageService) TotalsForGroup(ctx context.Context, groupID string) (*models.UsageTotals, error) {
	return s.queryTotals(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(u.input_tokens), 0),
		       COALESCE(SUM(u.output_tokens), 0),
		       COALESCE(SUM(u.cost_usd), 0),
		       COALESCE(SUM(u.duration_ms), 0)
		FROM task_usage u
		JOIN tasks t ON t.id = u.task_id
		WHERE t.group_id = ?`, groupID)
}

func (s *UsageService) queryTotals(ctx context.Context, query string, args ...any) (*models.UsageTotals, error) {
	totals := &models.UsageTotals{}
	err := s.store.QueryRow(ctx, query, args...).Scan(
		&totals.Runs, &totals.InputTokens, &totals.OutputTokens,
		&totals.CostUSD, &totals.DurationMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return totals, nil
}
