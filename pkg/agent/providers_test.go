package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

func TestProviderRegistry_CachesWithinTTL(t *testing.T) {
	p := &stubProvider{name: "notes", ttl: time.Minute, content: "cached content"}
	registry := NewProviderRegistry(nil)
	registry.Register(p)
	ctx := context.Background()

	first := registry.Collect(ctx, "GRP-001")
	second := registry.Collect(ctx, "GRP-001")

	require.Len(t, first, 1)
	assert.Equal(t, "cached content", first[0].Content)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.calls, "second collect should hit the cache")

	// A different scope is a different cache entry.
	registry.Collect(ctx, "GRP-002")
	assert.Equal(t, 2, p.calls)
}

func TestProviderRegistry_TTLExpiry(t *testing.T) {
	p := &stubProvider{name: "notes", ttl: time.Millisecond, content: "stale soon"}
	registry := NewProviderRegistry(nil)
	registry.Register(p)
	ctx := context.Background()

	registry.Collect(ctx, "GRP-001")
	time.Sleep(5 * time.Millisecond)
	registry.Collect(ctx, "GRP-001")

	assert.Equal(t, 2, p.calls, "expired entry should be regathered")
}

func TestProviderRegistry_EmptyResultNotCached(t *testing.T) {
	p := &stubProvider{name: "empty", ttl: time.Minute, content: ""}
	registry := NewProviderRegistry(nil)
	registry.Register(p)
	ctx := context.Background()

	assert.Empty(t, registry.Collect(ctx, "GRP-001"))
	assert.Empty(t, registry.Collect(ctx, "GRP-001"))
	assert.Equal(t, 2, p.calls, "empty results must be retried, not cached")
}

func TestProviderRegistry_FailingProviderSkipped(t *testing.T) {
	bad := &stubProvider{name: "bad", ttl: time.Minute, err: errors.New("backend down")}
	good := &stubProvider{name: "good", ttl: time.Minute, content: "still here"}
	registry := NewProviderRegistry(nil)
	registry.Register(bad)
	registry.Register(good)

	results := registry.Collect(context.Background(), "GRP-001")
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].Name)
}

func TestProviderRegistry_SnapshotPersistence(t *testing.T) {
	store := newTestStore(t)
	snapshots := services.NewSnapshotService(store)
	ctx := context.Background()

	p := &stubProvider{name: "notes", ttl: time.Hour, content: "durable content"}
	registry := NewProviderRegistry(snapshots)
	registry.Register(p)

	first := registry.Collect(ctx, "GRP-001")
	require.Len(t, first, 1)
	require.Equal(t, 1, p.calls)

	// A fresh registry (new process) finds the snapshot in the table
	// without re-gathering.
	rebooted := NewProviderRegistry(snapshots)
	rebooted.Register(p)
	again := rebooted.Collect(ctx, "GRP-001")
	require.Len(t, again, 1)
	assert.Equal(t, "durable content", again[0].Content)
	assert.Equal(t, 1, p.calls, "snapshot hit should not re-gather")
}

func TestBoardSummaryProvider_Gather(t *testing.T) {
	_, b := newTestBoard(t)
	ctx := context.Background()

	group, err := b.CreateGroup(ctx, "Summary group", "test", "user")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := b.CreateTask(ctx, board.CreateTaskInput{
			GroupID:    group.ID,
			Title:      "work item",
			TaskType:   "implement",
			Priority:   models.PriorityMedium,
			AssignedTo: "coder",
			CreatedBy:  "user",
		})
		require.NoError(t, err)
	}
	claimed, err := b.ClaimTask(ctx, "coder", "coder-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = b.CompleteTask(ctx, claimed.ID, "done")
	require.NoError(t, err)

	p := NewBoardSummaryProvider(b, time.Minute)
	content, err := p.Gather(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "Group "+group.ID+": 3 tasks (2 pending, 1 completed).", content)

	t.Run("empty group not reported", func(t *testing.T) {
		empty, err := b.CreateGroup(ctx, "Nothing yet", "test", "user")
		require.NoError(t, err)
		content, err := p.Gather(ctx, empty.ID)
		require.NoError(t, err)
		assert.Empty(t, content)
	})
}
