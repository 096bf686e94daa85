// Package events provides the in-process event bus that fans lifecycle
// events out to local subscribers, plus the WebSocket hub that pushes every
// event to connected dashboard clients.
//
// Emission is fire-and-forget: Emit schedules matching handlers and
// returns. Each subscription owns a dispatch goroutine fed by an unbounded
// queue, so a slow handler (WebSocket send, webhook POST) never stalls the
// emitter and per-handler delivery order matches emission order.
package events

// Canonical event names. Payloads are free-form maps with stable keys
// (task_id, group_id, instance_id where applicable).
const (
	TaskCreated   = "task.created"
	TaskClaimed   = "task.claimed"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskRejected  = "task.rejected"
	TaskCancelled = "task.cancelled"

	AgentStatusChanged = "agent.status_changed"
	AgentMessage       = "agent.message"

	CollaborationMessage = "collaboration.message"

	AutoscaleNeeded = "autoscale.needed"
	DecisionLogged  = "decision.logged"
)
