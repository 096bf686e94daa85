// Package models defines the persistent entities shared across the board,
// services, and API layers.
package models

import "time"

// Group is a batch of related tasks originating from one goal.
type Group struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Origin      string      `json:"origin,omitempty"`
	Status      GroupStatus `json:"status"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Task is a unit of work assigned to a role.
type Task struct {
	ID              string     `json:"id"`
	GroupID         string     `json:"group_id"`
	ParentID        *string    `json:"parent_id,omitempty"`
	RevisionOf      *string    `json:"revision_of,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	TaskType        string     `json:"task_type"`
	Priority        Priority   `json:"priority"`
	AssignedTo      string     `json:"assigned_to"`
	ClaimedBy       *string    `json:"claimed_by,omitempty"`
	Status          TaskStatus `json:"status"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	OutputText      string     `json:"output_text,omitempty"`
}

// Dependency is a blocked_by edge: Task cannot start until BlockedBy completes.
type Dependency struct {
	TaskID     string     `json:"task_id"`
	BlockedBy  string     `json:"blocked_by"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Instance is one running worker within a role.
type Instance struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	Status        InstanceStatus `json:"status"`
	CurrentTask   *string        `json:"current_task,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

// Webhook is a registered outbound event delivery target.
type Webhook struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"-"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// Matches reports whether the webhook subscribes to the given event name,
// either exactly or via the "*" wildcard.
func (w *Webhook) Matches(event string) bool {
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// TaskUsage records one runner invocation's resource consumption.
type TaskUsage struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	InstanceID   string    `json:"instance_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	NumTurns     int       `json:"num_turns"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageTotals aggregates usage rows, typically per task.
type UsageTotals struct {
	Runs         int     `json:"runs"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
}

// AgentMessage is a collaboration message between instances. ToInstance
// empty means broadcast.
type AgentMessage struct {
	ID           string    `json:"id"`
	FromInstance string    `json:"from_instance"`
	ToInstance   string    `json:"to_instance,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// Decision is one entry in the decision log.
type Decision struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Decision   string    `json:"decision"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskFilters narrows board and search queries. Zero values match everything.
type TaskFilters struct {
	GroupID    string `json:"group_id,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
	ClaimedBy  string `json:"claimed_by,omitempty"`
	TaskType   string `json:"task_type,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// SearchResult contains the total match count alongside the returned page.
type SearchResult struct {
	Total int     `json:"total"`
	Tasks []*Task `json:"tasks"`
}
