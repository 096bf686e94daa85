// Integration tests for the store's serialization guarantees against a
// real PostgreSQL instance. The claim statement and the ID counter are
// the two places where concurrent writers must never observe the same
// row; SQLite gets these for free from its single writer, PostgreSQL
// has to earn them, so they are exercised here under real contention.
package database

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/test/util"
)

func newTestBoard(t *testing.T) *board.Board {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	cfg, err := config.Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)
	return board.New(util.OpenTestStore(t), cfg)
}

func seedTasks(t *testing.T, b *board.Board, n int) (string, []string) {
	t.Helper()
	ctx := context.Background()
	group, err := b.CreateGroup(ctx, "contended group", "test", "user")
	require.NoError(t, err)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		task, err := b.CreateTask(ctx, board.CreateTaskInput{
			GroupID:    group.ID,
			Title:      "contended task",
			TaskType:   "implement",
			AssignedTo: "coder",
			CreatedBy:  "user",
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	return group.ID, ids
}

func TestClaimTask_SingleWinner(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	seedTasks(t, b, 1)

	const callers = 8
	results := make([]*models.Task, callers)
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i], errs[i] = b.ClaimTask(ctx, "coder", string(rune('a'+i)))
		}(i)
	}
	start.Done()
	done.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
			assert.Equal(t, models.TaskInProgress, results[i].Status)
			assert.NotNil(t, results[i].ClaimedBy)
			assert.NotNil(t, results[i].StartedAt)
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller must win the claim")
}

func TestClaimTask_EveryTaskClaimedExactlyOnce(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	const tasks = 24
	const workers = 6
	seedTasks(t, b, tasks)

	var mu sync.Mutex
	claimedBy := make(map[string]string, tasks)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(instance string) {
			defer wg.Done()
			for {
				task, err := b.ClaimTask(ctx, "coder", instance)
				require.NoError(t, err)
				if task == nil {
					return
				}
				mu.Lock()
				prev, dup := claimedBy[task.ID]
				claimedBy[task.ID] = instance
				mu.Unlock()
				require.False(t, dup,
					"task %s claimed by both %s and %s", task.ID, prev, instance)
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, claimedBy, tasks, "every pending task must be claimed")
}

func TestClaimTask_PriorityOrderUnderContention(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	group, err := b.CreateGroup(ctx, "ordered group", "test", "user")
	require.NoError(t, err)
	for _, p := range []models.Priority{models.PriorityLow, models.PriorityHigh, models.PriorityCritical} {
		_, err := b.CreateTask(ctx, board.CreateTaskInput{
			GroupID:    group.ID,
			Title:      "task at " + string(p),
			TaskType:   "implement",
			Priority:   p,
			AssignedTo: "coder",
			CreatedBy:  "user",
		})
		require.NoError(t, err)
	}

	var order []models.Priority
	for {
		task, err := b.ClaimTask(ctx, "coder", "x")
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.Priority)
	}
	assert.Equal(t, []models.Priority{
		models.PriorityCritical, models.PriorityHigh, models.PriorityLow,
	}, order)
}
