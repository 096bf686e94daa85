package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/models"
)

// DefaultMessageLimit bounds message listings when the caller does not
// pass an explicit limit.
const DefaultMessageLimit = 100

// MessageService stores collaboration messages between instances.
type MessageService struct {
	store *database.Store
}

// NewMessageService creates a new MessageService.
func NewMessageService(store *database.Store) *MessageService {
	if store == nil {
		panic("NewMessageService: store must not be nil")
	}
	return &MessageService{store: store}
}

// SendMessageInput contains the data for one message. Empty ToInstance
// means broadcast.
type SendMessageInput struct {
	FromInstance string
	ToInstance   string
	TaskID       string
	Content      string
}

// Send stores a message. Event emission is the caller's job.
func (s *MessageService) Send(ctx context.Context, input SendMessageInput) (*models.AgentMessage, error) {
	if input.FromInstance == "" {
		return nil, NewValidationError("from_instance", "sender is required")
	}
	if input.Content == "" {
		return nil, NewValidationError("content", "content is required")
	}

	msg := &models.AgentMessage{
		ID:           uuid.New().String(),
		FromInstance: input.FromInstance,
		ToInstance:   input.ToInstance,
		TaskID:       input.TaskID,
		Content:      input.Content,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.store.Exec(ctx, `
		INSERT INTO agent_messages (id, from_instance, to_instance, task_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromInstance, msg.ToInstance, msg.TaskID, msg.Content,
		database.FormatTime(msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	return msg, nil
}

// List returns recent messages, newest first. A non-empty instanceID
// restricts the result to messages addressed to that instance plus
// broadcasts.
func (s *MessageService) List(ctx context.Context, instanceID string, limit int) ([]*models.AgentMessage, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	query := `
		SELECT id, from_instance, to_instance, task_id, content, created_at
		FROM agent_messages`
	args := []any{}
	if instanceID != "" {
		query += ` WHERE to_instance = ? OR to_instance = ''`
		args = append(args, instanceID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.AgentMessage
	for rows.Next() {
		var (
			msg       models.AgentMessage
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.FromInstance, &msg.ToInstance, &msg.TaskID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if msg.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// DeleteOlderThan removes messages created before the cutoff and
// returns how many were deleted.
func (s *MessageService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.store.Exec(ctx,
		`DELETE FROM agent_messages WHERE created_at < ?`,
		database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted messages: %w", err)
	}
	return deleted, nil
}
