package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type collectorEnv struct {
	cfg       *config.Config
	board     *board.Board
	instances *services.InstanceService
}

func newCollectorEnv(t *testing.T) *collectorEnv {
	t.Helper()
	cfg, err := config.Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	store, err := database.Open(context.Background(), database.Config{
		URL: filepath.Join(t.TempDir(), "taskhive.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &collectorEnv{
		cfg:       cfg,
		board:     board.New(store, cfg),
		instances: services.NewInstanceService(store, cfg.Loop.StaleThreshold),
	}
}

func TestCollector_Collect(t *testing.T) {
	env := newCollectorEnv(t)
	ctx := context.Background()

	group, err := env.board.CreateGroup(ctx, "metrics work", "test", "user")
	require.NoError(t, err)

	var first *models.Task
	for i := 0; i < 3; i++ {
		task, err := env.board.CreateTask(ctx, board.CreateTaskInput{
			GroupID:    group.ID,
			Title:      "queued work",
			TaskType:   "implement",
			Priority:   models.PriorityMedium,
			AssignedTo: "coder",
			CreatedBy:  "user",
		})
		require.NoError(t, err)
		if first == nil {
			first = task
		}
	}
	// One task born blocked behind the first.
	_, err = env.board.CreateTask(ctx, board.CreateTaskInput{
		GroupID:    group.ID,
		Title:      "follow-up",
		TaskType:   "implement",
		Priority:   models.PriorityMedium,
		AssignedTo: "coder",
		CreatedBy:  "user",
		BlockedBy:  []string{first.ID},
	})
	require.NoError(t, err)

	require.NoError(t, env.instances.Register(ctx, "coder-1", "coder"))
	require.NoError(t, env.instances.Register(ctx, "coder-2", "coder"))
	require.NoError(t, env.instances.UpdateStatus(ctx, "coder-2", models.InstanceWorking, &first.ID))

	c := NewCollector(env.board, env.instances, time.Hour)
	c.Start(ctx)
	c.Stop()

	assert.Equal(t, float64(3), testutil.ToFloat64(TasksTotal.WithLabelValues("pending")))
	assert.Equal(t, float64(1), testutil.ToFloat64(TasksTotal.WithLabelValues("blocked")))
	assert.Equal(t, float64(0), testutil.ToFloat64(TasksTotal.WithLabelValues("completed")))

	assert.Equal(t, float64(1), testutil.ToFloat64(InstancesTotal.WithLabelValues("coder", "idle")))
	assert.Equal(t, float64(1), testutil.ToFloat64(InstancesTotal.WithLabelValues("coder", "working")))
}

func TestCollector_CountsEvents(t *testing.T) {
	env := newCollectorEnv(t)
	c := NewCollector(env.board, env.instances, time.Hour)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	c.Attach(bus)
	t.Cleanup(func() { c.Detach(bus) })

	// Counters are package globals; assert on deltas.
	createdBefore := testutil.ToFloat64(EventsEmitted.WithLabelValues(events.TaskCreated))
	claimedBefore := testutil.ToFloat64(TasksClaimed.WithLabelValues("coder"))

	bus.Emit(events.TaskCreated, map[string]any{"task_id": "T-1"})
	bus.Emit(events.TaskClaimed, map[string]any{"task_id": "T-1", "role": "coder"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(EventsEmitted.WithLabelValues(events.TaskCreated)) == createdBefore+1 &&
			testutil.ToFloat64(TasksClaimed.WithLabelValues("coder")) == claimedBefore+1
	}, waitFor, tick)
}

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.Less(t, time.Since(timer.start), time.Second)
}

func TestTimer_Duration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(50 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first, "duration keeps growing")
}

func TestTimer_Observe(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_duration_vec_seconds",
		Help:    "Test labeled duration histogram",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(vec, "claim")

	assert.Equal(t, 1, testutil.CollectAndCount(histogram), "one series recorded")
	assert.Equal(t, 1, testutil.CollectAndCount(vec), "one labeled series recorded")
}
