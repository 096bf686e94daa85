// Package notify posts Slack notifications for noteworthy board events:
// task failures and finished goals. Notifications are best effort; a
// Slack outage never blocks or fails the work that triggered one.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/events"
)

const postTimeout = 10 * time.Second

// Service sends notifications via Slack. A nil *Service is valid and all
// its methods are no-ops, so callers never need to check whether
// notifications are configured.
type Service struct {
	client       *Client
	dashboardURL string
	log          *slog.Logger
	subs         []*events.Subscription
}

// NewService creates the notification service, or returns nil when the
// configuration is incomplete.
func NewService(cfg *config.SlackConfig, dashboardURL string) *Service {
	if !cfg.Active() {
		return nil
	}
	return NewServiceWithClient(NewClient(cfg.BotToken, cfg.Channel), dashboardURL)
}

// NewServiceWithClient creates the service with an injected client.
// Useful for testing.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	if client == nil {
		return nil
	}
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		log:          slog.With("component", "notify"),
	}
}

// Attach subscribes the service to the bus events it announces. Safe to
// call on a nil service.
func (s *Service) Attach(bus *events.Bus) {
	if s == nil || bus == nil {
		return
	}
	s.subs = append(s.subs,
		bus.Subscribe(events.TaskFailed, s.onTaskFailed),
		bus.Subscribe(events.TaskCompleted, s.onTaskCompleted))
}

// Detach removes the subscriptions added by Attach.
func (s *Service) Detach(bus *events.Bus) {
	if s == nil || bus == nil {
		return
	}
	for _, sub := range s.subs {
		bus.Unsubscribe(sub)
	}
	s.subs = nil
}

// NotifyTaskFailed posts a failure notification. Errors are logged, not
// returned.
func (s *Service) NotifyTaskFailed(ctx context.Context, input TaskFailedInput) {
	if s == nil {
		return
	}
	blocks := BuildTaskFailedMessage(input, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, postTimeout); err != nil {
		s.log.Error("failed to send task failure notification",
			"task_id", input.TaskID,
			"error", err)
	}
}

// NotifyGroupFinished posts a notification that a task group reached a
// terminal state. Errors are logged, not returned.
func (s *Service) NotifyGroupFinished(ctx context.Context, input GroupFinishedInput) {
	if s == nil {
		return
	}
	blocks := BuildGroupFinishedMessage(input, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, postTimeout); err != nil {
		s.log.Error("failed to send group finished notification",
			"group_id", input.GroupID,
			"error", err)
	}
}

func (s *Service) onTaskFailed(ctx context.Context, evt events.Event) {
	// Cascade victims fail alongside a root failure; one notification
	// for the root covers them, with the victim count attached.
	if stringField(evt.Data, "cascaded_from") != "" {
		return
	}
	input := TaskFailedInput{
		TaskID:     stringField(evt.Data, "task_id"),
		Title:      stringField(evt.Data, "title"),
		Role:       stringField(evt.Data, "role"),
		InstanceID: stringField(evt.Data, "instance_id"),
		GroupID:    stringField(evt.Data, "group_id"),
		Error:      stringField(evt.Data, "error"),
		Cascaded:   intField(evt.Data, "cascaded"),
	}
	s.NotifyTaskFailed(ctx, input)

	if boolField(evt.Data, "group_completed") {
		s.NotifyGroupFinished(ctx, GroupFinishedInput{
			GroupID: input.GroupID,
			TaskID:  input.TaskID,
		})
	}
}

func (s *Service) onTaskCompleted(ctx context.Context, evt events.Event) {
	if !boolField(evt.Data, "group_completed") {
		return
	}
	s.NotifyGroupFinished(ctx, GroupFinishedInput{
		GroupID: stringField(evt.Data, "group_id"),
		TaskID:  stringField(evt.Data, "task_id"),
	})
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func boolField(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}
