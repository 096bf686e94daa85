// Package webhook forwards bus events to registered HTTP endpoints.
// Delivery is best effort: failures are logged, never retried, and a
// slow endpoint only ever delays its own deliveries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/metrics"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// Manager subscribes to the event bus and fans every event out to the
// active webhooks whose patterns match it.
type Manager struct {
	cfg      *config.WebhookConfig
	webhooks *services.WebhookService
	bus      *events.Bus
	client   *http.Client
	log      *slog.Logger

	sub *events.Subscription
	wg  sync.WaitGroup
}

// NewManager creates a webhook manager. Call Start to begin forwarding.
func NewManager(cfg *config.WebhookConfig, webhooks *services.WebhookService, bus *events.Bus) *Manager {
	if cfg == nil {
		panic("webhook.NewManager: cfg must not be nil")
	}
	if webhooks == nil {
		panic("webhook.NewManager: webhooks must not be nil")
	}
	if bus == nil {
		panic("webhook.NewManager: bus must not be nil")
	}
	return &Manager{
		cfg:      cfg,
		webhooks: webhooks,
		bus:      bus,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: slog.With("component", "webhooks"),
	}
}

// Start subscribes the manager to every bus event.
func (m *Manager) Start() {
	m.sub = m.bus.Subscribe("*", func(ctx context.Context, evt events.Event) {
		m.Fire(ctx, evt)
	})
	m.log.Info("webhook manager started")
}

// Stop detaches from the bus and waits for in-flight deliveries. Each
// delivery is bounded by the client timeout, so the wait is too.
func (m *Manager) Stop() {
	if m.sub != nil {
		m.bus.Unsubscribe(m.sub)
		m.sub = nil
	}
	m.wg.Wait()
	m.log.Info("webhook manager stopped")
}

// Fire delivers one event to every active matching webhook, each on its
// own goroutine. All matching webhooks receive byte-identical bodies;
// signatures are computed over exactly those bytes.
func (m *Manager) Fire(ctx context.Context, evt events.Event) {
	hooks, err := m.webhooks.ListActive(ctx)
	if err != nil {
		m.log.Error("failed to list webhooks", "error", err)
		return
	}

	var matched []*models.Webhook
	for _, wh := range hooks {
		if wh.Matches(evt.Name) {
			matched = append(matched, wh)
		}
	}
	if len(matched) == 0 {
		return
	}

	body, err := json.Marshal(evt)
	if err != nil {
		m.log.Error("failed to encode event", "event", evt.Name, "error", err)
		return
	}

	for _, wh := range matched {
		m.wg.Add(1)
		go func(wh *models.Webhook) {
			defer m.wg.Done()
			m.deliver(wh, evt.Name, body)
		}(wh)
	}
}

func (m *Manager) deliver(wh *models.Webhook, eventName string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	// last_triggered_at records the attempt, not the outcome.
	if err := m.webhooks.MarkTriggered(ctx, wh.ID, time.Now().UTC()); err != nil {
		m.log.Warn("failed to record webhook trigger", "webhook_id", wh.ID, "error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		m.log.Error("failed to build webhook request", "webhook_id", wh.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taskhive-webhook")
	if wh.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(wh.Secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		m.log.Warn("webhook delivery failed",
			"webhook_id", wh.ID, "url", wh.URL, "event", eventName, "error", err)
		return
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		m.log.Warn("webhook delivery rejected",
			"webhook_id", wh.ID, "url", wh.URL, "event", eventName, "status", resp.StatusCode)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	m.log.Debug("webhook delivered",
		"webhook_id", wh.ID, "event", eventName, "status", resp.StatusCode)
}

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
