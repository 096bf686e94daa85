package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(context.Background(), database.Config{
		URL: filepath.Join(t.TempDir(), "taskhive.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)
	return cfg
}

// newTestBoard builds a board on a fresh store with the built-in role
// topology.
func newTestBoard(t *testing.T) (*config.Config, *board.Board) {
	t.Helper()
	cfg := newTestConfig(t)
	return cfg, board.New(newTestStore(t), cfg)
}

func mustRole(t *testing.T, cfg *config.Config, name string) *config.RoleConfig {
	t.Helper()
	role, err := cfg.GetRole(name)
	require.NoError(t, err)
	return role
}

func TestContextBuilder_Build(t *testing.T) {
	cfg, b := newTestBoard(t)
	ctx := context.Background()

	group, err := b.CreateGroup(ctx, "Billing work", "test", "user")
	require.NoError(t, err)
	task, err := b.CreateTask(ctx, board.CreateTaskInput{
		GroupID:     group.ID,
		Title:       "Parse the config file",
		Description: "Support both short and long route forms.",
		TaskType:    "implement",
		Priority:    models.PriorityHigh,
		AssignedTo:  "coder",
		CreatedBy:   "user",
	})
	require.NoError(t, err)

	cb := NewContextBuilder(cfg, b, nil)
	prompt := cb.Build(ctx, "coder-1", mustRole(t, cfg, "coder"), task)

	assert.Contains(t, prompt, "You are coder-1, a Coder on this project.")
	assert.Contains(t, prompt, "## Task")
	assert.Contains(t, prompt, "**ID:** "+task.ID)
	assert.Contains(t, prompt, "**Title:** Parse the config file")
	assert.Contains(t, prompt, "**Type:** implement")
	assert.Contains(t, prompt, "**Priority:** high")
	assert.Contains(t, prompt, "**Group:** "+group.ID)
	assert.Contains(t, prompt, "### Description\nSupport both short and long route forms.")
	assert.Contains(t, prompt, "## Handoff Targets")
	assert.Contains(t, prompt, "- verifier: verify")
	assert.Contains(t, prompt, "## Response Format")

	// Strict routing: no role manifest. No parent: no parent section.
	assert.NotContains(t, prompt, "## Available Roles")
	assert.NotContains(t, prompt, "## Parent Task")

	t.Run("deterministic", func(t *testing.T) {
		again := cb.Build(ctx, "coder-1", mustRole(t, cfg, "coder"), task)
		assert.Equal(t, prompt, again)
	})

	t.Run("empty description placeholder", func(t *testing.T) {
		bare, err := b.CreateTask(ctx, board.CreateTaskInput{
			GroupID:    group.ID,
			Title:      "no description",
			TaskType:   "implement",
			AssignedTo: "coder",
			CreatedBy:  "user",
		})
		require.NoError(t, err)
		prompt := cb.Build(ctx, "coder-1", mustRole(t, cfg, "coder"), bare)
		assert.Contains(t, prompt, "No description provided.")
	})
}

func TestContextBuilder_ParentArtifact(t *testing.T) {
	cfg, b := newTestBoard(t)
	ctx := context.Background()

	group, err := b.CreateGroup(ctx, "Parented work", "test", "user")
	require.NoError(t, err)
	parent, err := b.CreateTask(ctx, board.CreateTaskInput{
		GroupID:    group.ID,
		Title:      "Design the schema",
		TaskType:   "design",
		AssignedTo: "architect",
		CreatedBy:  "user",
	})
	require.NoError(t, err)
	_, err = b.CompleteTask(ctx, parent.ID, "The design doc.")
	require.NoError(t, err)

	child, err := b.CreateTask(ctx, board.CreateTaskInput{
		GroupID:    group.ID,
		Title:      "Implement the schema",
		TaskType:   "implement",
		AssignedTo: "coder",
		CreatedBy:  "architect",
		ParentID:   &parent.ID,
	})
	require.NoError(t, err)

	cb := NewContextBuilder(cfg, b, nil)

	prompt := cb.Build(ctx, "coder-1", mustRole(t, cfg, "coder"), child)
	assert.Contains(t, prompt, "## Parent Task")
	assert.Contains(t, prompt, "**ID:** "+parent.ID)
	assert.Contains(t, prompt, "### Parent Output\nThe design doc.")

	t.Run("role without parent_artifact", func(t *testing.T) {
		plain := *mustRole(t, cfg, "coder")
		plain.ContextIncludes = nil
		prompt := cb.Build(ctx, "coder-1", &plain, child)
		assert.NotContains(t, prompt, "## Parent Task")
	})

	t.Run("missing parent skipped", func(t *testing.T) {
		ghost := "CD-404"
		orphan := *child
		orphan.ParentID = &ghost
		prompt := cb.Build(ctx, "coder-1", mustRole(t, cfg, "coder"), &orphan)
		assert.NotContains(t, prompt, "## Parent Task")
		assert.Contains(t, prompt, "## Task")
	})
}

func TestContextBuilder_OpenRoutingManifest(t *testing.T) {
	cfg, b := newTestBoard(t)
	ctx := context.Background()

	group, err := b.CreateGroup(ctx, "Open routing", "test", "user")
	require.NoError(t, err)
	task, err := b.CreateTask(ctx, board.CreateTaskInput{
		GroupID:    group.ID,
		Title:      "Plan the milestone",
		TaskType:   "goal",
		AssignedTo: "pm",
		CreatedBy:  "user",
	})
	require.NoError(t, err)

	open := *mustRole(t, cfg, "pm")
	open.RoutingMode = config.RoutingModeOpen

	cb := NewContextBuilder(cfg, b, nil)
	prompt := cb.Build(ctx, "pm-1", &open, task)

	assert.Contains(t, prompt, "## Available Roles")
	assert.Contains(t, prompt, "- architect (design, review):")
	assert.Contains(t, prompt, "- coder (implement, fix):")
	assert.Contains(t, prompt, "- verifier (verify):")
	assert.NotContains(t, prompt, "- pm (")
}

// stubProvider returns canned content or an error and counts calls.
type stubProvider struct {
	name    string
	ttl     time.Duration
	content string
	err     error
	calls   int
}

func (p *stubProvider) Name() string       { return p.name }
func (p *stubProvider) TTL() time.Duration { return p.ttl }

func (p *stubProvider) Gather(_ context.Context, _ string) (string, error) {
	p.calls++
	return p.content, p.err
}

func TestContextBuilder_ProviderExtras(t *testing.T) {
	cfg, b := newTestBoard(t)
	ctx := context.Background()

	group, err := b.CreateGroup(ctx, "With extras", "test", "user")
	require.NoError(t, err)
	task, err := b.CreateTask(ctx, board.CreateTaskInput{
		GroupID:    group.ID,
		Title:      "Implement it",
		TaskType:   "implement",
		AssignedTo: "coder",
		CreatedBy:  "user",
	})
	require.NoError(t, err)

	registry := NewProviderRegistry(nil)
	registry.Register(&stubProvider{name: "notes", ttl: time.Minute, content: "remember the style guide"})
	registry.Register(&stubProvider{name: "broken", ttl: time.Minute, err: errors.New("backend down")})

	cb := NewContextBuilder(cfg, b, registry)
	prompt := cb.Build(ctx, "coder-1", mustRole(t, cfg, "coder"), task)

	assert.Contains(t, prompt, "## Context: notes\nremember the style guide")
	assert.NotContains(t, prompt, "## Context: broken")
	// A failing provider never blocks the rest of the prompt.
	assert.Contains(t, prompt, "## Response Format")
}
