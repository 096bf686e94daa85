package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/metrics"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// Deps bundles the collaborators a loop works with. Board, Instances,
// Runner, and Context are required; Usage, Decisions, Bus, and
// Worktrees may be nil to disable the corresponding feature.
type Deps struct {
	Board     *board.Board
	Instances *services.InstanceService
	Usage     *services.UsageService
	Decisions *services.DecisionService
	Runner    Runner
	Bus       *events.Bus
	Context   *ContextBuilder
	Worktrees *Worktrees
}

func (d Deps) validate() {
	if d.Board == nil {
		panic("agent.Deps: Board must not be nil")
	}
	if d.Instances == nil {
		panic("agent.Deps: Instances must not be nil")
	}
	if d.Runner == nil {
		panic("agent.Deps: Runner must not be nil")
	}
	if d.Context == nil {
		panic("agent.Deps: Context must not be nil")
	}
}

// Loop drives a single worker instance: poll, claim, execute, report.
type Loop struct {
	id   string
	role *config.RoleConfig
	cfg  *config.LoopConfig
	deps Deps
	log  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         models.InstanceStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
	paused         bool
}

// NewLoop creates a loop for one instance. The instance must already be
// registered with the instance manager.
func NewLoop(id string, role *config.RoleConfig, cfg *config.LoopConfig, deps Deps) *Loop {
	if id == "" {
		panic("NewLoop: id must not be empty")
	}
	if role == nil {
		panic("NewLoop: role must not be nil")
	}
	if cfg == nil {
		panic("NewLoop: cfg must not be nil")
	}
	deps.validate()
	return &Loop{
		id:           id,
		role:         role,
		cfg:          cfg,
		deps:         deps,
		log:          slog.With("component", "agent_loop", "instance_id", id, "role", role.Name),
		stopCh:       make(chan struct{}),
		status:       models.InstanceIdle,
		lastActivity: time.Now(),
	}
}

// ID returns the instance ID this loop drives.
func (l *Loop) ID() string { return l.id }

// Role returns the role name this loop works.
func (l *Loop) Role() string { return l.role.Name }

// Start begins the polling loop in a goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the loop to stop and waits up to StopTimeout for the
// current cycle to finish. Returns false when the loop was abandoned
// mid-cycle. Safe to call multiple times.
func (l *Loop) Stop() bool {
	l.stopOnce.Do(func() { close(l.stopCh) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(l.cfg.StopTimeout):
		l.log.Warn("stop timed out, abandoning loop mid-cycle")
		return false
	}
}

// Health returns a snapshot of the loop's local state.
func (l *Loop) Health() LoopHealth {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LoopHealth{
		ID:             l.id,
		Role:           l.role.Name,
		Status:         l.status,
		CurrentTaskID:  l.currentTaskID,
		TasksProcessed: l.tasksProcessed,
		LastActivity:   l.lastActivity,
	}
}

// run is the main loop.
func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	l.log.Info("agent loop started")

	for {
		select {
		case <-l.stopCh:
			l.log.Info("agent loop shutting down")
			return
		case <-ctx.Done():
			l.log.Info("context cancelled, agent loop shutting down")
			return
		default:
			if err := l.safeRunOnce(ctx); err != nil {
				if errors.Is(err, ErrNoWork) || errors.Is(err, ErrRolePaused) {
					l.sleep(l.pollInterval())
					continue
				}
				l.log.Error("agent cycle failed", "error", err)
				l.forceIdle()
				l.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (l *Loop) sleep(d time.Duration) {
	select {
	case <-l.stopCh:
	case <-time.After(d):
	}
}

// safeRunOnce runs one cycle and converts a panic into an error so a
// bad task or a runner bug cannot kill the loop.
func (l *Loop) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent cycle panicked: %v", r)
		}
	}()
	return l.runOnce(ctx)
}

// runOnce performs one poll-claim-execute cycle.
func (l *Loop) runOnce(ctx context.Context) error {
	if l.deps.Instances.IsRolePaused(l.role.Name) {
		l.markPaused(ctx)
		return ErrRolePaused
	}
	l.markResumed(ctx)

	task, err := l.deps.Board.ClaimTask(ctx, l.role.Name, l.id)
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		// No heartbeat here: the scaler reads idle duration off
		// last_heartbeat, so empty polls must let it age.
		return ErrNoWork
	}
	return l.execute(ctx, task)
}

// execute runs one claimed task through the runner and reports the
// outcome to the board.
func (l *Loop) execute(ctx context.Context, task *models.Task) error {
	log := l.log.With("task_id", task.ID)

	if err := l.deps.Instances.UpdateStatus(ctx, l.id, models.InstanceWorking, &task.ID); err != nil {
		return fmt.Errorf("marking instance working: %w", err)
	}
	l.setStatus(models.InstanceWorking, task.ID)
	// Terminal writes use a background context: the loop context may
	// already be cancelled during shutdown.
	defer func() {
		if err := l.deps.Instances.UpdateStatus(context.Background(), l.id, models.InstanceIdle, nil); err != nil {
			log.Warn("failed to reset instance to idle", "error", err)
		}
		l.heartbeat(context.Background())
		l.setStatus(models.InstanceIdle, "")
	}()

	l.emit(events.TaskClaimed, map[string]any{
		"task_id":     task.ID,
		"group_id":    task.GroupID,
		"instance_id": l.id,
		"role":        l.role.Name,
		"priority":    string(task.Priority),
	})
	log.Info("task claimed", "task_type", task.TaskType, "priority", task.Priority)

	workingDir := l.role.WorkingDir
	if l.deps.Worktrees != nil {
		wt, err := l.deps.Worktrees.Acquire(ctx, task.ID)
		if err != nil {
			log.Error("worktree acquisition failed", "error", err)
			return l.failTask(task, fmt.Sprintf("worktree acquisition failed: %v", err))
		}
		workingDir = wt.Dir
		defer func() {
			if err := l.deps.Worktrees.Release(context.Background(), wt); err != nil {
				log.Warn("worktree release failed", "error", err)
			}
		}()
	}

	prompt := l.deps.Context.Build(ctx, l.id, l.role, task)

	execCtx, cancelExec := context.WithTimeout(ctx, l.maxExecutionTime())
	defer cancelExec()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(execCtx)
	defer cancelHeartbeat()
	go l.runHeartbeat(heartbeatCtx)

	started := time.Now()
	result, runErr := l.deps.Runner.Run(execCtx, RunRequest{
		TaskID:     task.ID,
		Prompt:     prompt,
		WorkingDir: workingDir,
	})
	elapsed := time.Since(started)
	cancelHeartbeat()

	if result != nil {
		l.recordUsage(task.ID, result, elapsed)
	}

	if runErr != nil {
		// A shutdown mid-execution is not the task's fault: leave it
		// in_progress for boot recovery instead of failing it.
		if ctx.Err() != nil && !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			log.Info("execution interrupted by shutdown, leaving task for recovery")
			return nil
		}
		log.Error("task execution failed", "error", runErr, "duration", elapsed)
		if err := l.failTask(task, runErr.Error()); err != nil {
			return err
		}
	} else {
		l.logDecision(task.ID, result)
		if err := l.completeTask(task, result); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.tasksProcessed++
	l.mu.Unlock()

	outcome := "completed"
	if runErr != nil {
		outcome = "failed"
	}
	metrics.RunnerDuration.WithLabelValues(l.role.Name, outcome).Observe(elapsed.Seconds())
	log.Info("task processing complete", "outcome", outcome, "duration", elapsed)
	return nil
}

// markPaused flips the instance to paused on the first paused cycle and
// emits the status change. Later cycles while paused are quiet.
func (l *Loop) markPaused(ctx context.Context) {
	l.mu.Lock()
	already := l.paused
	l.paused = true
	l.mu.Unlock()
	if already {
		return
	}

	if err := l.deps.Instances.UpdateStatus(ctx, l.id, models.InstancePaused, nil); err != nil {
		l.log.Warn("failed to mark instance paused", "error", err)
	}
	l.setStatus(models.InstancePaused, "")
	l.emit(events.AgentStatusChanged, map[string]any{
		"instance_id": l.id,
		"role":        l.role.Name,
		"status":      string(models.InstancePaused),
	})
	l.log.Info("instance paused")
}

// markResumed undoes markPaused once the role is unpaused.
func (l *Loop) markResumed(ctx context.Context) {
	l.mu.Lock()
	was := l.paused
	l.paused = false
	l.mu.Unlock()
	if !was {
		return
	}

	if err := l.deps.Instances.UpdateStatus(ctx, l.id, models.InstanceIdle, nil); err != nil {
		l.log.Warn("failed to mark instance idle", "error", err)
	}
	l.setStatus(models.InstanceIdle, "")
	l.emit(events.AgentStatusChanged, map[string]any{
		"instance_id": l.id,
		"role":        l.role.Name,
		"status":      string(models.InstanceIdle),
	})
	l.log.Info("instance resumed")
}

// failTask marks the task failed and fans the failure out to every
// cascade victim. Runs on a background context so shutdown cannot drop
// the terminal write.
func (l *Loop) failTask(task *models.Task, reason string) error {
	result, err := l.deps.Board.FailTask(context.Background(), task.ID)
	if err != nil {
		if isTerminalElsewhere(err) {
			l.log.Info("task reached a terminal state elsewhere, dropping failure",
				"task_id", task.ID, "error", err)
			return nil
		}
		return fmt.Errorf("failing task %s: %w", task.ID, err)
	}

	l.emit(events.TaskFailed, map[string]any{
		"task_id":         task.ID,
		"title":           task.Title,
		"group_id":        task.GroupID,
		"instance_id":     l.id,
		"role":            l.role.Name,
		"error":           reason,
		"cascaded":        len(result.Cascaded),
		"group_completed": result.GroupCompleted,
	})
	for _, id := range result.Cascaded {
		l.emit(events.TaskFailed, map[string]any{
			"task_id":       id,
			"group_id":      task.GroupID,
			"cascaded_from": task.ID,
		})
	}
	return nil
}

// completeTask reports a successful run. Handoffs the board rejects as
// invalid are discarded with a warning and the completion retried
// plain: a bad directive must not cost the agent its finished work.
func (l *Loop) completeTask(task *models.Task, result *RunResult) error {
	ctx := context.Background()

	if len(result.Handoffs) > 0 {
		hr, err := l.deps.Board.CompleteAndHandoff(ctx, task.ID, result.Output, result.Handoffs)
		if err == nil {
			l.emitCompleted(task, hr.Completion.GroupCompleted)
			for _, created := range hr.Created {
				l.emit(events.TaskCreated, map[string]any{
					"task_id":     created.ID,
					"group_id":    created.GroupID,
					"assigned_to": created.AssignedTo,
					"task_type":   created.TaskType,
					"created_by":  created.CreatedBy,
				})
			}
			return nil
		}
		var verr *services.ValidationError
		if !errors.As(err, &verr) && !errors.Is(err, services.ErrInvalidInput) {
			return fmt.Errorf("completing task %s with handoffs: %w", task.ID, err)
		}
		l.log.Warn("discarding invalid handoffs", "task_id", task.ID, "error", err)
	}

	cr, err := l.deps.Board.CompleteTask(ctx, task.ID, result.Output)
	if err != nil {
		if isTerminalElsewhere(err) {
			l.log.Info("task reached a terminal state elsewhere, dropping output",
				"task_id", task.ID, "error", err)
			return nil
		}
		return fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	l.emitCompleted(task, cr.GroupCompleted)
	return nil
}

func (l *Loop) emitCompleted(task *models.Task, groupCompleted bool) {
	l.emit(events.TaskCompleted, map[string]any{
		"task_id":         task.ID,
		"group_id":        task.GroupID,
		"instance_id":     l.id,
		"group_completed": groupCompleted,
	})
}

// isTerminalElsewhere reports whether a lifecycle write lost to a
// concurrent transition (task cancelled from the dashboard mid-run,
// or deleted outright).
func isTerminalElsewhere(err error) bool {
	return errors.Is(err, services.ErrInvalidInput) || errors.Is(err, services.ErrNotFound)
}

// recordUsage persists the runner's usage report. A run without token
// accounting still gets a duration row.
func (l *Loop) recordUsage(taskID string, result *RunResult, elapsed time.Duration) {
	if l.deps.Usage == nil {
		return
	}

	input := services.RecordUsageInput{
		TaskID:     taskID,
		InstanceID: l.id,
		DurationMS: elapsed.Milliseconds(),
	}
	if u := result.Usage; u != nil {
		input.InputTokens = u.InputTokens
		input.OutputTokens = u.OutputTokens
		input.CostUSD = u.CostUSD
		input.NumTurns = u.NumTurns
		if u.DurationMS > 0 {
			input.DurationMS = u.DurationMS
		}
	}
	if _, err := l.deps.Usage.Record(context.Background(), input); err != nil {
		l.log.Warn("failed to record usage", "task_id", taskID, "error", err)
	}
}

// logDecision stores the decision the agent reported, when it made one.
func (l *Loop) logDecision(taskID string, result *RunResult) {
	if l.deps.Decisions == nil || result.Decision == "" {
		return
	}

	if _, err := l.deps.Decisions.Log(context.Background(), services.LogDecisionInput{
		InstanceID: l.id,
		TaskID:     taskID,
		Decision:   result.Decision,
		Reasoning:  result.Reasoning,
	}); err != nil {
		l.log.Warn("failed to log decision", "task_id", taskID, "error", err)
		return
	}
	l.emit(events.DecisionLogged, map[string]any{
		"instance_id": l.id,
		"task_id":     taskID,
		"decision":    result.Decision,
	})
}

// runHeartbeat refreshes last_heartbeat while a task runs so a long
// execution is not mistaken for a dead instance.
func (l *Loop) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.heartbeat(ctx)
		}
	}
}

func (l *Loop) heartbeat(ctx context.Context) {
	if err := l.deps.Instances.Heartbeat(ctx, l.id); err != nil {
		l.log.Warn("heartbeat failed", "error", err)
	}
}

// forceIdle resets the instance row after a failed cycle so a crash
// mid-execution cannot leave it stuck on working.
func (l *Loop) forceIdle() {
	if err := l.deps.Instances.UpdateStatus(context.Background(), l.id, models.InstanceIdle, nil); err != nil {
		l.log.Warn("failed to reset instance to idle", "error", err)
	}
	l.setStatus(models.InstanceIdle, "")
}

// maxExecutionTime returns the role's execution budget, falling back to
// the loop default.
func (l *Loop) maxExecutionTime() time.Duration {
	if l.role.MaxExecutionTime > 0 {
		return l.role.MaxExecutionTime
	}
	return l.cfg.MaxExecutionTime
}

// pollInterval returns the poll duration with jitter.
func (l *Loop) pollInterval() time.Duration {
	base := l.cfg.PollInterval
	jitter := l.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// emit publishes an event when a bus is wired.
func (l *Loop) emit(name string, data map[string]any) {
	if l.deps.Bus != nil {
		l.deps.Bus.Emit(name, data)
	}
}

// setStatus updates the loop's local health tracking state.
func (l *Loop) setStatus(status models.InstanceStatus, taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = status
	l.currentTaskID = taskID
	l.lastActivity = time.Now()
}
