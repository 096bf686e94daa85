package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
)

// WebhookService owns webhook registrations. Delivery is handled by
// the webhook manager; this service is pure storage.
type WebhookService struct {
	store *database.Store
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(store *database.Store) *WebhookService {
	if store == nil {
		panic("NewWebhookService: store must not be nil")
	}
	return &WebhookService{store: store}
}

// CreateWebhookInput contains the data needed to register a webhook.
type CreateWebhookInput struct {
	URL    string
	Events []string // Event patterns; "*" matches all
	Secret string   // Optional HMAC key
}

// Create registers a webhook. The URL must be http(s) and not already
// registered.
func (s *WebhookService) Create(ctx context.Context, input CreateWebhookInput) (*models.Webhook, error) {
	if input.URL == "" {
		return nil, NewValidationError("url", "url is required")
	}
	parsed, err := url.Parse(input.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, NewValidationError("url", "url must be a valid http(s) URL")
	}
	if len(input.Events) == 0 {
		return nil, NewValidationError("events", "at least one event pattern is required")
	}

	var existing int
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhooks WHERE url = ?`, input.URL).Scan(&existing); err != nil {
		return nil, fmt.Errorf("failed to check webhook url: %w", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: webhook for %s", ErrAlreadyExists, input.URL)
	}

	eventsJSON, err := json.Marshal(input.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}

	webhook := &models.Webhook{
		ID:        uuid.New().String(),
		URL:       input.URL,
		Events:    input.Events,
		Secret:    input.Secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.store.Exec(ctx, `
		INSERT INTO webhooks (id, url, events, secret, active, created_at, last_triggered_at)
		VALUES (?, ?, ?, ?, 1, ?, NULL)`,
		webhook.ID, webhook.URL, string(eventsJSON), webhook.Secret,
		database.FormatTime(webhook.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	return webhook, nil
}

// Get returns one webhook by ID.
func (s *WebhookService) Get(ctx context.Context, id string) (*models.Webhook, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, url, events, secret, active, created_at, last_triggered_at
		FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: webhook %s", ErrNotFound, id)
	}
	return scanWebhook(rows)
}

// List returns every registered webhook, oldest first.
func (s *WebhookService) List(ctx context.Context) ([]*models.Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, url, events, secret, active, created_at, last_triggered_at
		FROM webhooks ORDER BY created_at, id`)
}

// ListActive returns the webhooks eligible for delivery.
func (s *WebhookService) ListActive(ctx context.Context) ([]*models.Webhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT id, url, events, secret, active, created_at, last_triggered_at
		FROM webhooks WHERE active = 1 ORDER BY created_at, id`)
}

// Deactivate soft-deletes a webhook: it stays listed but no longer
// receives deliveries.
func (s *WebhookService) Deactivate(ctx context.Context, id string) error {
	res, err := s.store.Exec(ctx, `UPDATE webhooks SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate webhook %s: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: webhook %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a webhook permanently.
func (s *WebhookService) Delete(ctx context.Context, id string) error {
	res, err := s.store.Exec(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook %s: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: webhook %s", ErrNotFound, id)
	}
	return nil
}

// MarkTriggered records a delivery attempt. Missing rows are ignored:
// the webhook may have been deleted while a delivery was in flight.
func (s *WebhookService) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	_, err := s.store.Exec(ctx,
		`UPDATE webhooks SET last_triggered_at = ? WHERE id = ?`,
		database.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook %s triggered: %w", id, err)
	}
	return nil
}

func (s *WebhookService) queryWebhooks(ctx context.Context, query string, args ...any) ([]*models.Webhook, error) {
	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, wh)
	}
	return webhooks, rows.Err()
}

func scanWebhook(rows *sql.Rows) (*models.Webhook, error) {
	var (
		wh         models.Webhook
		eventsJSON string
		active     int
		createdAt  string
		triggered  sql.NullString
	)
	if err := rows.Scan(&wh.ID, &wh.URL, &eventsJSON, &wh.Secret, &active, &createdAt, &triggered); err != nil {
		return nil, fmt.Errorf("failed to scan webhook row: %w", err)
	}

	if err := json.Unmarshal([]byte(eventsJSON), &wh.Events); err != nil {
		return nil, fmt.Errorf("failed to decode webhook events: %w", err)
	}
	wh.Active = active != 0

	var err error
	if wh.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if wh.LastTriggeredAt, err = database.ScanNullableTime(triggered); err != nil {
		return nil, fmt.Errorf("failed to parse last_triggered_at: %w", err)
	}
	return &wh, nil
}
