package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// stubRunner substitutes a Go function for the agent subprocess and
// records every request it saw.
type stubRunner struct {
	fn func(ctx context.Context, req RunRequest) (*RunResult, error)

	mu   sync.Mutex
	runs []RunRequest
}

func (s *stubRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	s.mu.Lock()
	s.runs = append(s.runs, req)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return &RunResult{Output: "ok"}, nil
	}
	return fn(ctx, req)
}

func (s *stubRunner) requests() []RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunRequest(nil), s.runs...)
}

// eventRecorder collects everything emitted on the bus. Delivery is
// asynchronous, so assertions on recorded events poll.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func recordEvents(t *testing.T, bus *events.Bus) *eventRecorder {
	t.Helper()
	r := &eventRecorder{}
	sub := bus.Subscribe("*", func(_ context.Context, evt events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, evt)
	})
	t.Cleanup(func() { bus.Unsubscribe(sub) })
	return r
}

func (r *eventRecorder) all(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}

func (r *eventRecorder) count(name string) int { return len(r.all(name)) }

// indexOf returns the position of the first event with the name, or -1.
func (r *eventRecorder) indexOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, evt := range r.events {
		if evt.Name == name {
			return i
		}
	}
	return -1
}

// loopEnv wires a loop against real services on a throwaway store, with
// intervals tightened so tests converge quickly.
type loopEnv struct {
	cfg       *config.Config
	board     *board.Board
	instances *services.InstanceService
	usage     *services.UsageService
	decisions *services.DecisionService
	bus       *events.Bus
	recorder  *eventRecorder
}

func newLoopEnv(t *testing.T) *loopEnv {
	t.Helper()
	cfg := newTestConfig(t)
	cfg.Loop.PollInterval = 20 * time.Millisecond
	cfg.Loop.PollIntervalJitter = 5 * time.Millisecond
	cfg.Loop.HeartbeatInterval = 25 * time.Millisecond
	cfg.Loop.StopTimeout = 2 * time.Second
	cfg.Loop.MaxExecutionTime = 2 * time.Second

	store := newTestStore(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	env := &loopEnv{
		cfg:       cfg,
		board:     board.New(store, cfg),
		instances: services.NewInstanceService(store, cfg.Loop.StaleThreshold),
		usage:     services.NewUsageService(store),
		decisions: services.NewDecisionService(store),
		bus:       bus,
	}
	env.recorder = recordEvents(t, bus)
	return env
}

func (e *loopEnv) deps(runner Runner) Deps {
	return Deps{
		Board:     e.board,
		Instances: e.instances,
		Usage:     e.usage,
		Decisions: e.decisions,
		Runner:    runner,
		Bus:       e.bus,
		Context:   NewContextBuilder(e.cfg, e.board, nil),
	}
}

// startLoop registers the instance, starts its loop, and arranges a
// stop at test end.
func (e *loopEnv) startLoop(t *testing.T, ctx context.Context, id, role string, runner Runner) *Loop {
	t.Helper()
	require.NoError(t, e.instances.Register(context.Background(), id, role))
	loop := NewLoop(id, mustRole(t, e.cfg, role), e.cfg.Loop, e.deps(runner))
	loop.Start(ctx)
	t.Cleanup(func() { loop.Stop() })
	return loop
}

// seedCoderTask creates a group with one pending implement task.
func (e *loopEnv) seedCoderTask(t *testing.T, title string) *models.Task {
	t.Helper()
	ctx := context.Background()
	group, err := e.board.CreateGroup(ctx, "group for "+title, "test", "user")
	require.NoError(t, err)
	task, err := e.board.CreateTask(ctx, board.CreateTaskInput{
		GroupID:    group.ID,
		Title:      title,
		TaskType:   "implement",
		Priority:   models.PriorityMedium,
		AssignedTo: "coder",
		CreatedBy:  "user",
	})
	require.NoError(t, err)
	return task
}

func (e *loopEnv) taskStatus(t *testing.T, id string) models.TaskStatus {
	t.Helper()
	task, err := e.board.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func (e *loopEnv) instance(t *testing.T, id string) *models.Instance {
	t.Helper()
	all, err := e.instances.GetInstances(context.Background())
	require.NoError(t, err)
	for _, inst := range all {
		if inst.ID == id {
			return inst
		}
	}
	t.Fatalf("instance %s not registered", id)
	return nil
}

func TestLoop_ProcessesTask(t *testing.T) {
	env := newLoopEnv(t)
	ctx := context.Background()
	task := env.seedCoderTask(t, "implement the widget")

	stub := &stubRunner{fn: func(_ context.Context, _ RunRequest) (*RunResult, error) {
		return &RunResult{
			Output: "did the work",
			Usage:  &Usage{InputTokens: 100, OutputTokens: 40, CostUSD: 0.25, DurationMS: 900, NumTurns: 2},
		}, nil
	}}
	loop := env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskCompleted
	}, waitFor, tick)

	done, err := env.board.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "did the work", done.OutputText)
	assert.Nil(t, done.ClaimedBy)

	// Usage row persisted from the runner's report.
	totals, err := env.usage.TotalsForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Runs)
	assert.Equal(t, int64(100), totals.InputTokens)
	assert.Equal(t, int64(40), totals.OutputTokens)
	assert.Equal(t, 0.25, totals.CostUSD)
	assert.Equal(t, int64(900), totals.DurationMS)

	// Instance settles back to idle with no current task.
	require.Eventually(t, func() bool {
		inst := env.instance(t, "coder-1")
		return inst.Status == models.InstanceIdle && inst.CurrentTask == nil
	}, waitFor, tick)

	// Claimed before completed, in emission order.
	require.Eventually(t, func() bool {
		return env.recorder.count(events.TaskCompleted) == 1
	}, waitFor, tick)
	claimedIdx := env.recorder.indexOf(events.TaskClaimed)
	completedIdx := env.recorder.indexOf(events.TaskCompleted)
	require.NotEqual(t, -1, claimedIdx)
	assert.Less(t, claimedIdx, completedIdx)

	claimed := env.recorder.all(events.TaskClaimed)[0]
	assert.Equal(t, task.ID, claimed.Data["task_id"])
	assert.Equal(t, "coder-1", claimed.Data["instance_id"])
	assert.Equal(t, "coder", claimed.Data["role"])

	// The prompt handed to the runner is the assembled context.
	reqs := stub.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, task.ID, reqs[0].TaskID)
	assert.Contains(t, reqs[0].Prompt, "You are coder-1, a Coder on this project.")

	health := loop.Health()
	assert.Equal(t, "coder-1", health.ID)
	assert.Equal(t, "coder", health.Role)
	assert.Equal(t, 1, health.TasksProcessed)
}

func TestLoop_NoWorkKeepsHeartbeatAging(t *testing.T) {
	env := newLoopEnv(t)
	env.startLoop(t, context.Background(), "coder-1", "coder", &stubRunner{})

	registered := env.instance(t, "coder-1").LastHeartbeat

	// Several empty polls must not refresh the heartbeat: scale-down
	// idleness is measured from it.
	time.Sleep(150 * time.Millisecond)
	inst := env.instance(t, "coder-1")
	assert.Equal(t, registered, inst.LastHeartbeat)
	assert.Equal(t, models.InstanceIdle, inst.Status)
	assert.Zero(t, env.recorder.count(events.TaskClaimed))
}

func TestLoop_FailedExecution(t *testing.T) {
	env := newLoopEnv(t)
	ctx := context.Background()
	task := env.seedCoderTask(t, "doomed work")

	stub := &stubRunner{fn: func(_ context.Context, _ RunRequest) (*RunResult, error) {
		return nil, errors.New("runner exited abnormally: exit status 3")
	}}
	loop := env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskFailed
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return env.recorder.count(events.TaskFailed) == 1
	}, waitFor, tick)
	failed := env.recorder.all(events.TaskFailed)[0]
	assert.Equal(t, task.ID, failed.Data["task_id"])
	assert.Contains(t, failed.Data["error"], "exit status 3")

	require.Eventually(t, func() bool {
		return env.instance(t, "coder-1").Status == models.InstanceIdle
	}, waitFor, tick)
	assert.Equal(t, 1, loop.Health().TasksProcessed)
}

func TestLoop_PauseResume(t *testing.T) {
	env := newLoopEnv(t)
	ctx := context.Background()
	task := env.seedCoderTask(t, "waits for resume")

	env.instances.PauseRole("coder")
	env.startLoop(t, ctx, "coder-1", "coder", &stubRunner{})

	require.Eventually(t, func() bool {
		return env.instance(t, "coder-1").Status == models.InstancePaused
	}, waitFor, tick)

	// Paused loops do not claim.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, models.TaskPending, env.taskStatus(t, task.ID))

	require.Eventually(t, func() bool {
		for _, evt := range env.recorder.all(events.AgentStatusChanged) {
			if evt.Data["status"] == string(models.InstancePaused) {
				return true
			}
		}
		return false
	}, waitFor, tick)
	// The transition is announced once, not on every paused poll.
	assert.Equal(t, 1, env.recorder.count(events.AgentStatusChanged))

	env.instances.ResumeRole("coder")

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskCompleted
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, evt := range env.recorder.all(events.AgentStatusChanged) {
			if evt.Data["status"] == string(models.InstanceIdle) {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestLoop_HandoffsCreateDownstreamTasks(t *testing.T) {
	env := newLoopEnv(t)
	ctx := context.Background()
	task := env.seedCoderTask(t, "implement then verify")

	stub := &stubRunner{fn: func(_ context.Context, _ RunRequest) (*RunResult, error) {
		return &RunResult{
			Output: "implemented",
			Handoffs: []board.Handoff{
				{Title: "Verify the widget", TaskType: "verify", AssignedTo: "verifier"},
			},
		}, nil
	}}
	env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskCompleted
	}, waitFor, tick)

	tasks, err := env.board.GetGroupTasks(ctx, task.GroupID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var child *models.Task
	for _, tk := range tasks {
		if tk.ID != task.ID {
			child = tk
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "verifier", child.AssignedTo)
	assert.Equal(t, "verify", child.TaskType)
	assert.Equal(t, models.TaskPending, child.Status)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, task.ID, *child.ParentID)
	assert.Equal(t, "coder", child.CreatedBy)

	require.Eventually(t, func() bool {
		return env.recorder.count(events.TaskCreated) == 1
	}, waitFor, tick)
	created := env.recorder.all(events.TaskCreated)[0]
	assert.Equal(t, child.ID, created.Data["task_id"])
	assert.Equal(t, "verifier", created.Data["assigned_to"])
}

func TestLoop_InvalidHandoffsDiscarded(t *testing.T) {
	env := newLoopEnv(t)
	ctx := context.Background()
	task := env.seedCoderTask(t, "bad directive")

	// Coder routes to verifier only; a handoff to architect violates
	// strict routing and must not sink the completion.
	stub := &stubRunner{fn: func(_ context.Context, _ RunRequest) (*RunResult, error) {
		return &RunResult{
			Output: "work is done regardless",
			Handoffs: []board.Handoff{
				{Title: "Review this", TaskType: "review", AssignedTo: "architect"},
			},
		}, nil
	}}
	env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskCompleted
	}, waitFor, tick)

	done, err := env.board.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "work is done regardless", done.OutputText)

	tasks, err := env.board.GetGroupTasks(ctx, task.GroupID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "invalid handoff must not create tasks")
	assert.Zero(t, env.recorder.count(events.TaskCreated))
}

func TestLoop_ExecutionTimeout(t *testing.T) {
	env := newLoopEnv(t)
	env.cfg.Loop.MaxExecutionTime = 50 * time.Millisecond
	ctx := context.Background()
	task := env.seedCoderTask(t, "too slow")

	stub := &stubRunner{fn: func(ctx context.Context, _ RunRequest) (*RunResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskFailed
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return env.recorder.count(events.TaskFailed) == 1
	}, waitFor, tick)
	assert.Contains(t, env.recorder.all(events.TaskFailed)[0].Data["error"], "deadline")
}

func TestLoop_ShutdownLeavesTaskForRecovery(t *testing.T) {
	env := newLoopEnv(t)
	env.cfg.Loop.MaxExecutionTime = 30 * time.Second
	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task := env.seedCoderTask(t, "interrupted work")

	stub := &stubRunner{fn: func(ctx context.Context, _ RunRequest) (*RunResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	loop := env.startLoop(t, loopCtx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskInProgress
	}, waitFor, tick)

	cancel()
	loop.Stop()

	// The interrupted task is not failed; boot recovery resets it.
	assert.Equal(t, models.TaskInProgress, env.taskStatus(t, task.ID))
	assert.Zero(t, env.recorder.count(events.TaskFailed))
	assert.Zero(t, env.recorder.count(events.TaskCompleted))
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	env := newLoopEnv(t)
	ctx := context.Background()
	first := env.seedCoderTask(t, "panics")
	second := env.seedCoderTask(t, "survives")

	var calls int
	var mu sync.Mutex
	stub := &stubRunner{fn: func(_ context.Context, _ RunRequest) (*RunResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("runner exploded")
		}
		return &RunResult{Output: "recovered fine"}, nil
	}}
	env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, second.ID) == models.TaskCompleted
	}, waitFor, tick)

	// The claim that panicked is left in_progress for boot recovery,
	// and the instance is forced back to idle.
	assert.Equal(t, models.TaskInProgress, env.taskStatus(t, first.ID))
	require.Eventually(t, func() bool {
		return env.instance(t, "coder-1").Status == models.InstanceIdle
	}, waitFor, tick)
}

func TestLoop_DecisionLogged(t *testing.T) {
	env := newLoopEnv(t)
	ctx := context.Background()
	task := env.seedCoderTask(t, "decides something")

	stub := &stubRunner{fn: func(_ context.Context, _ RunRequest) (*RunResult, error) {
		return &RunResult{
			Output:    "done",
			Decision:  "used the streaming parser",
			Reasoning: "input can exceed memory",
		}, nil
	}}
	env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskCompleted
	}, waitFor, tick)

	decisions, err := env.decisions.List(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "used the streaming parser", decisions[0].Decision)
	assert.Equal(t, "input can exceed memory", decisions[0].Reasoning)
	assert.Equal(t, "coder-1", decisions[0].InstanceID)

	require.Eventually(t, func() bool {
		return env.recorder.count(events.DecisionLogged) == 1
	}, waitFor, tick)
}

func TestLoop_HeartbeatDuringExecution(t *testing.T) {
	env := newLoopEnv(t)
	env.cfg.Loop.MaxExecutionTime = 30 * time.Second
	ctx := context.Background()
	task := env.seedCoderTask(t, "long running")

	release := make(chan struct{})
	stub := &stubRunner{fn: func(ctx context.Context, _ RunRequest) (*RunResult, error) {
		select {
		case <-release:
			return &RunResult{Output: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	env.startLoop(t, ctx, "coder-1", "coder", stub)

	require.Eventually(t, func() bool {
		inst := env.instance(t, "coder-1")
		return inst.Status == models.InstanceWorking && inst.CurrentTask != nil
	}, waitFor, tick)
	before := env.instance(t, "coder-1").LastHeartbeat

	// While the runner is busy the heartbeat keeps moving.
	require.Eventually(t, func() bool {
		return env.instance(t, "coder-1").LastHeartbeat.After(before)
	}, waitFor, tick)

	close(release)
	require.Eventually(t, func() bool {
		return env.taskStatus(t, task.ID) == models.TaskCompleted
	}, waitFor, tick)
}

func TestLoop_StartStop(t *testing.T) {
	env := newLoopEnv(t)
	require.NoError(t, env.instances.Register(context.Background(), "coder-1", "coder"))
	loop := NewLoop("coder-1", mustRole(t, env.cfg, "coder"), env.cfg.Loop, env.deps(&stubRunner{}))

	loop.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	assert.True(t, loop.Stop())
	assert.True(t, loop.Stop(), "Stop is idempotent")
}
