package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/services"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type captured struct {
	header http.Header
	body   []byte
}

// capture is an httptest handler that records every request.
type capture struct {
	mu     sync.Mutex
	reqs   []captured
	status int
}

func (c *capture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.reqs = append(c.reqs, captured{header: r.Header.Clone(), body: body})
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func (c *capture) request(i int) captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[i]
}

type webhookEnv struct {
	service *services.WebhookService
	bus     *events.Bus
	manager *Manager
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	store, err := database.Open(context.Background(), database.Config{
		URL: filepath.Join(t.TempDir(), "taskhive.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	service := services.NewWebhookService(store)
	manager := NewManager(config.DefaultWebhookConfig(), service, bus)
	manager.Start()
	t.Cleanup(manager.Stop)

	return &webhookEnv{service: service, bus: bus, manager: manager}
}

func (e *webhookEnv) register(t *testing.T, url string, eventPatterns []string, secret string) string {
	t.Helper()
	wh, err := e.service.Create(context.Background(), services.CreateWebhookInput{
		URL:    url,
		Events: eventPatterns,
		Secret: secret,
	})
	require.NoError(t, err)
	return wh.ID
}

func TestManager_DeliversMatchingEvents(t *testing.T) {
	env := newWebhookEnv(t)
	sink := &capture{}
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	env.register(t, server.URL, []string{"task.completed"}, "")

	env.bus.Emit("task.completed", map[string]any{"task_id": "CD-001"})
	require.Eventually(t, func() bool { return sink.count() == 1 }, waitFor, tick)

	req := sink.request(0)
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Empty(t, req.header.Get("X-Webhook-Signature"))

	var envelope struct {
		Event     string         `json:"event"`
		Data      map[string]any `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(req.body, &envelope))
	assert.Equal(t, "task.completed", envelope.Event)
	assert.Equal(t, "CD-001", envelope.Data["task_id"])
	assert.False(t, envelope.Timestamp.IsZero())

	// A non-matching event is never sent.
	env.bus.Emit("task.failed", map[string]any{"task_id": "CD-002"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestManager_SignsPayload(t *testing.T) {
	env := newWebhookEnv(t)
	sink := &capture{}
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	env.register(t, server.URL, []string{"task.completed"}, "k")

	env.bus.Emit("task.completed", map[string]any{"task_id": "CD-001"})
	require.Eventually(t, func() bool { return sink.count() == 1 }, waitFor, tick)

	req := sink.request(0)
	sig := req.header.Get("X-Webhook-Signature")
	require.NotEmpty(t, sig)

	// The signature covers the exact body bytes that arrived.
	assert.Equal(t, Sign("k", req.body), sig)
	assert.Regexp(t, "^[0-9a-f]{64}$", sig)
}

func TestManager_WildcardReceivesEverything(t *testing.T) {
	env := newWebhookEnv(t)
	sink := &capture{}
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	env.register(t, server.URL, []string{"*"}, "")

	env.bus.Emit("task.created", map[string]any{"task_id": "CD-001"})
	env.bus.Emit("agent.status_changed", map[string]any{"instance_id": "coder-1"})

	require.Eventually(t, func() bool { return sink.count() == 2 }, waitFor, tick)
}

func TestManager_FansOutConcurrently(t *testing.T) {
	env := newWebhookEnv(t)

	// One slow endpoint must not delay the fast one: both deliveries
	// are scheduled independently.
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	fast := &capture{}
	fastServer := httptest.NewServer(fast)
	t.Cleanup(fastServer.Close)

	env.register(t, slow.URL, []string{"*"}, "")
	env.register(t, fastServer.URL, []string{"*"}, "")

	env.bus.Emit("task.completed", map[string]any{"task_id": "CD-001"})
	require.Eventually(t, func() bool { return fast.count() == 1 }, waitFor, tick)
}

func TestManager_SkipsInactiveWebhooks(t *testing.T) {
	env := newWebhookEnv(t)
	sink := &capture{}
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	id := env.register(t, server.URL, []string{"*"}, "")
	require.NoError(t, env.service.Deactivate(context.Background(), id))

	env.bus.Emit("task.completed", map[string]any{"task_id": "CD-001"})
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestManager_MarksTriggeredEvenOnRejection(t *testing.T) {
	env := newWebhookEnv(t)
	sink := &capture{status: http.StatusInternalServerError}
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	id := env.register(t, server.URL, []string{"*"}, "")

	before, err := env.service.Get(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, before.LastTriggeredAt)

	env.bus.Emit("task.failed", map[string]any{"task_id": "CD-001"})
	require.Eventually(t, func() bool { return sink.count() == 1 }, waitFor, tick)

	require.Eventually(t, func() bool {
		wh, err := env.service.Get(context.Background(), id)
		return err == nil && wh.LastTriggeredAt != nil
	}, waitFor, tick)

	// Rejected deliveries are not retried.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestManager_FireDirect(t *testing.T) {
	env := newWebhookEnv(t)
	sink := &capture{}
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	env.register(t, server.URL, []string{"deploy.requested"}, "")

	// Fire can be called directly, bypassing the bus.
	env.manager.Fire(context.Background(), events.Event{
		Name:      "deploy.requested",
		Data:      map[string]any{"ref": "main"},
		Timestamp: time.Now().UTC(),
	})
	require.Eventually(t, func() bool { return sink.count() == 1 }, waitFor, tick)
}

func TestSign_ReferenceVector(t *testing.T) {
	// RFC 4231 test case 2.
	sig := Sign("Jefe", []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", sig)
}
