package api

// CreateGoalRequest is the body for POST /api/goals.
type CreateGoalRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// CompleteTaskRequest is the body for POST /api/tasks/:id/complete.
type CompleteTaskRequest struct {
	Output string `json:"output,omitempty"`
}

// CancelTaskRequest is the body for POST /api/tasks/:id/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason"`
}

// RoleRequest selects a role for pause/resume. Empty means every role.
type RoleRequest struct {
	Role string `json:"role,omitempty"`
}

// CreateWebhookRequest is the body for POST /api/webhooks.
type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// SendMessageRequest is the body for POST /api/messages. Empty
// to_instance broadcasts to every agent.
type SendMessageRequest struct {
	FromInstance string `json:"from_instance"`
	ToInstance   string `json:"to_instance,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Content      string `json:"content"`
}

// LogDecisionRequest is the body for POST /api/decisions.
type LogDecisionRequest struct {
	InstanceID string `json:"instance_id"`
	TaskID     string `json:"task_id,omitempty"`
	Decision   string `json:"decision"`
	Reasoning  string `json:"reasoning,omitempty"`
}
