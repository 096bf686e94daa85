package models

// TaskStatus is the lifecycle state of a task on the board.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskBlocked    TaskStatus = "blocked"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskRejected   TaskStatus = "rejected"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskBlocked, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled, TaskRejected:
		return true
	}
	return false
}

// Terminal reports whether s is a final state: the task will never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskRejected:
		return true
	}
	return false
}

// TaskStatuses lists every status in board-display order.
var TaskStatuses = []TaskStatus{
	TaskPending, TaskBlocked, TaskInProgress,
	TaskCompleted, TaskFailed, TaskCancelled, TaskRejected,
}

// GroupStatus is the lifecycle state of a task group.
type GroupStatus string

const (
	GroupActive    GroupStatus = "active"
	GroupCompleted GroupStatus = "completed"
	GroupArchived  GroupStatus = "archived"
)

// Valid reports whether s is a known group status.
func (s GroupStatus) Valid() bool {
	switch s {
	case GroupActive, GroupCompleted, GroupArchived:
		return true
	}
	return false
}

// InstanceStatus is the reported state of a worker instance.
type InstanceStatus string

const (
	InstanceIdle    InstanceStatus = "idle"
	InstanceWorking InstanceStatus = "working"
	InstancePaused  InstanceStatus = "paused"
	InstanceOffline InstanceStatus = "offline"
)

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceIdle, InstanceWorking, InstancePaused, InstanceOffline:
		return true
	}
	return false
}

// Priority orders claimable tasks. The rank map is fixed: claim ordering
// must never depend on runtime configuration.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the claim-ordering rank: critical=0, high=1, medium=2,
// low=3. Unknown priorities sort last (99).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 99
}
