package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/database"
)

// newTestStore opens a throwaway sqlite-backed store with the full
// schema applied.
func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(context.Background(), database.Config{
		URL: filepath.Join(t.TempDir(), "taskhive.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedGroup inserts a group row directly so task-scoped services can
// satisfy the tasks foreign key.
func seedGroup(t *testing.T, store *database.Store, id string) {
	t.Helper()
	_, err := store.Exec(context.Background(), `
		INSERT INTO groups (id, title, status, created_by, created_at)
		VALUES (?, ?, 'active', 'user', ?)`,
		id, "group "+id, database.FormatTime(time.Now()))
	require.NoError(t, err)
}

// seedTask inserts a pending task row directly.
func seedTask(t *testing.T, store *database.Store, id, groupID, assignedTo string) {
	t.Helper()
	_, err := store.Exec(context.Background(), `
		INSERT INTO tasks (id, group_id, title, task_type, priority, assigned_to, status, created_by, created_at)
		VALUES (?, ?, ?, 'implement', 'medium', ?, 'pending', 'user', ?)`,
		id, groupID, "task "+id, assignedTo, database.FormatTime(time.Now()))
	require.NoError(t, err)
}
