package api

import (
	"github.com/taskhive/taskhive/pkg/agent"
	"github.com/taskhive/taskhive/pkg/models"
)

// RootResponse identifies the service at GET /.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HealthCheck is one component check inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version"`
	Checks         map[string]HealthCheck `json:"checks"`
	Fleet          *agent.FleetHealth     `json:"fleet,omitempty"`
	BusSubscribers int                    `json:"bus_subscribers"`
	WSClients      int                    `json:"ws_clients"`
}

// TaskDetailResponse is returned by GET /api/tasks/:id.
type TaskDetailResponse struct {
	Task         *models.Task         `json:"task"`
	Dependencies []*models.Dependency `json:"dependencies,omitempty"`
	Usage        *models.UsageTotals  `json:"usage,omitempty"`
}

// CancelResponse is returned by POST /api/tasks/:id/cancel.
type CancelResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// AgentsResponse is returned by GET /api/agents.
type AgentsResponse struct {
	Instances   []*models.Instance `json:"instances"`
	PausedRoles []string           `json:"paused_roles"`
}

// PauseResponse is returned by POST /api/agents/pause and /resume.
type PauseResponse struct {
	Roles   []string `json:"roles"`
	Message string   `json:"message"`
}

// RestartResponse is returned by POST /api/server/restart.
type RestartResponse struct {
	Message string `json:"message"`
}
