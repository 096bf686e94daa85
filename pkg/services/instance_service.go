package services

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
)

// InstanceService tracks the running set of worker instances.
// Status transitions are last-writer-wins; the pause flag is held in
// memory because it only concerns loops in this process.
type InstanceService struct {
	store          *database.Store
	staleThreshold time.Duration
	log            *slog.Logger

	mu          sync.RWMutex
	pausedRoles map[string]bool
}

// NewInstanceService creates a new InstanceService.
func NewInstanceService(store *database.Store, staleThreshold time.Duration) *InstanceService {
	if store == nil {
		panic("NewInstanceService: store must not be nil")
	}
	if staleThreshold <= 0 {
		panic("NewInstanceService: staleThreshold must be positive")
	}
	return &InstanceService{
		store:          store,
		staleThreshold: staleThreshold,
		log:            slog.With("component", "instances"),
		pausedRoles:    make(map[string]bool),
	}
}

// Register upserts the instance row with status=idle and fresh
// timestamps. Safe to call again for an instance ID that already
// exists (e.g. after a restart).
func (s *InstanceService) Register(ctx context.Context, instanceID, role string) error {
	if instanceID == "" {
		return NewValidationError("instance_id", "instance ID is required")
	}
	if role == "" {
		return NewValidationError("role", "role is required")
	}

	now := database.FormatTime(time.Now())
	_, err := s.store.Exec(ctx, `
		INSERT INTO agent_instances (id, role, status, current_task, started_at, last_heartbeat)
		VALUES (?, ?, 'idle', NULL, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			role = excluded.role,
			status = 'idle',
			current_task = NULL,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat`,
		instanceID, role, now, now)
	if err != nil {
		return fmt.Errorf("failed to register instance %s: %w", instanceID, err)
	}

	s.log.Info("instance registered", "instance_id", instanceID, "role", role)
	return nil
}

// UpdateStatus sets the instance status and current task. A nil
// currentTask clears the column.
func (s *InstanceService) UpdateStatus(ctx context.Context, instanceID string, status models.InstanceStatus, currentTask *string) error {
	if !status.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown instance status '%s'", status))
	}

	res, err := s.store.Exec(ctx,
		`UPDATE agent_instances SET status = ?, current_task = ? WHERE id = ?`,
		string(status), nullableString(currentTask), instanceID)
	if err != nil {
		return fmt.Errorf("failed to update instance %s: %w", instanceID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: instance %s", ErrNotFound, instanceID)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat for the instance.
func (s *InstanceService) Heartbeat(ctx context.Context, instanceID string) error {
	res, err := s.store.Exec(ctx,
		`UPDATE agent_instances SET last_heartbeat = ? WHERE id = ?`,
		database.FormatTime(time.Now()), instanceID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat instance %s: %w", instanceID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: instance %s", ErrNotFound, instanceID)
	}
	return nil
}

// Remove deletes the instance registration. Idempotent: removing an
// unknown instance is not an error (scale-down races with shutdown).
func (s *InstanceService) Remove(ctx context.Context, instanceID string) error {
	_, err := s.store.Exec(ctx, `DELETE FROM agent_instances WHERE id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to remove instance %s: %w", instanceID, err)
	}
	return nil
}

// PauseRole stops loops of the role from claiming new work.
func (s *InstanceService) PauseRole(role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedRoles[role] = true
	s.log.Info("role paused", "role", role)
}

// ResumeRole lets loops of the role claim work again.
func (s *InstanceService) ResumeRole(role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedRoles, role)
	s.log.Info("role resumed", "role", role)
}

// IsRolePaused reports whether the role is currently paused.
func (s *InstanceService) IsRolePaused(role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pausedRoles[role]
}

// PausedRoles returns the roles currently paused.
func (s *InstanceService) PausedRoles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]string, 0, len(s.pausedRoles))
	for role := range s.pausedRoles {
		roles = append(roles, role)
	}
	return roles
}

// GetInstances returns every registered instance ordered by role then
// ID. Instances whose heartbeat is older than the stale threshold are
// reported offline.
func (s *InstanceService) GetInstances(ctx context.Context) ([]*models.Instance, error) {
	return s.queryInstances(ctx, true,
		`SELECT id, role, status, current_task, started_at, last_heartbeat
		 FROM agent_instances ORDER BY role, id`)
}

// GetInstancesByRole returns the instances of one role.
func (s *InstanceService) GetInstancesByRole(ctx context.Context, role string) ([]*models.Instance, error) {
	return s.queryInstances(ctx, true,
		`SELECT id, role, status, current_task, started_at, last_heartbeat
		 FROM agent_instances WHERE role = ? ORDER BY id`, role)
}

// StoredInstancesByRole returns one role's rows exactly as persisted,
// without the staleness downgrade. The auto-scaler reads these: idle
// loops do not heartbeat, so the dashboard view would hide the very
// instances scale-down is looking for.
func (s *InstanceService) StoredInstancesByRole(ctx context.Context, role string) ([]*models.Instance, error) {
	return s.queryInstances(ctx, false,
		`SELECT id, role, status, current_task, started_at, last_heartbeat
		 FROM agent_instances WHERE role = ? ORDER BY id`, role)
}

// CountActive returns how many instances of the role are idle or
// working. This is the auto-scaler's definition of active.
func (s *InstanceService) CountActive(ctx context.Context, role string) (int, error) {
	var count int
	err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_instances WHERE role = ? AND status IN ('idle', 'working')`,
		role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active instances for %s: %w", role, err)
	}
	return count, nil
}

func (s *InstanceService) queryInstances(ctx context.Context, applyStale bool, query string, args ...any) ([]*models.Instance, error) {
	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var instances []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		if applyStale {
			s.markStale(inst, now)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// markStale downgrades the reported status to offline when the
// heartbeat is too old. The stored row is left untouched.
func (s *InstanceService) markStale(inst *models.Instance, now time.Time) {
	if inst.Status == models.InstanceOffline {
		return
	}
	if now.Sub(inst.LastHeartbeat) > s.staleThreshold {
		inst.Status = models.InstanceOffline
	}
}

func scanInstance(rows *sql.Rows) (*models.Instance, error) {
	var (
		inst        models.Instance
		status      string
		currentTask sql.NullString
		startedAt   string
		heartbeat   string
	)
	if err := rows.Scan(&inst.ID, &inst.Role, &status, &currentTask, &startedAt, &heartbeat); err != nil {
		return nil, fmt.Errorf("failed to scan instance row: %w", err)
	}

	inst.Status = models.InstanceStatus(status)
	if currentTask.Valid && currentTask.String != "" {
		inst.CurrentTask = &currentTask.String
	}

	var err error
	if inst.StartedAt, err = database.ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if inst.LastHeartbeat, err = database.ParseTime(heartbeat); err != nil {
		return nil, fmt.Errorf("failed to parse last_heartbeat: %w", err)
	}
	return &inst, nil
}

// nullableString converts an optional string to a driver value.
func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
