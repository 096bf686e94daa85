package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/agent"
	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/metrics"
	"github.com/taskhive/taskhive/pkg/services"
	"github.com/taskhive/taskhive/pkg/version"
)

// Server is the HTTP surface of the orchestrator: the dashboard API,
// the WebSocket event stream, and the Prometheus exposition.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo
	http *http.Server
	log  *slog.Logger

	store     *database.Store
	board     *board.Board
	instances *services.InstanceService
	fleet     *agent.Fleet
	hub       *events.Hub
	bus       *events.Bus

	// Optional subsystems attached via setters. Handlers answer 503 for
	// anything left nil.
	messages  *services.MessageService
	decisions *services.DecisionService
	usage     *services.UsageService
	webhooks  *services.WebhookService
	restartCh chan<- struct{}
}

// NewServer builds the Echo instance, middleware stack, and routes.
// Optional subsystems (messages, decisions, usage, webhooks, restart)
// are attached afterwards via the Set methods.
func NewServer(cfg *config.Config, store *database.Store, b *board.Board,
	instances *services.InstanceService, fleet *agent.Fleet,
	hub *events.Hub, bus *events.Bus) *Server {
	if cfg == nil {
		panic("NewServer: cfg must not be nil")
	}
	if store == nil {
		panic("NewServer: store must not be nil")
	}
	if b == nil {
		panic("NewServer: board must not be nil")
	}

	e := echo.New()
	s := &Server{
		cfg:       cfg,
		echo:      e,
		log:       slog.With("component", "api"),
		store:     store,
		board:     b,
		instances: instances,
		fleet:     fleet,
		hub:       hub,
		bus:       bus,
	}

	e.Use(securityHeaders())
	e.Use(corsMiddleware(cfg.Server.CORSOrigins))
	e.Use(teamAuth(cfg.Server.TeamTokens))
	e.Use(metricsMiddleware())

	admin := adminAuth(cfg.Server.AuthEnabled, cfg.Server.AdminToken)

	e.GET("/", s.rootHandler)
	e.GET("/api/health", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
	e.GET("/ws", s.wsHandler)

	e.GET("/api/board", s.boardHandler)
	e.GET("/api/groups", s.listGroupsHandler)
	e.POST("/api/goals", s.createGoalHandler)

	e.POST("/api/tasks", s.createTaskHandler)
	e.GET("/api/tasks/search", s.searchTasksHandler)
	e.GET("/api/tasks/:id", s.getTaskHandler)
	e.PATCH("/api/tasks/:id", s.updateTaskHandler)
	e.DELETE("/api/tasks/:id", s.deleteTaskHandler, admin)
	e.POST("/api/tasks/:id/complete", s.completeTaskHandler)
	e.POST("/api/tasks/:id/cancel", s.cancelTaskHandler)

	e.GET("/api/agents", s.listAgentsHandler)
	e.POST("/api/agents/pause", s.pauseAgentsHandler)
	e.POST("/api/agents/resume", s.resumeAgentsHandler)

	e.GET("/api/webhooks", s.listWebhooksHandler)
	e.POST("/api/webhooks", s.createWebhookHandler)
	e.DELETE("/api/webhooks/:id", s.deleteWebhookHandler)

	e.GET("/api/messages", s.listMessagesHandler)
	e.POST("/api/messages", s.sendMessageHandler)

	e.GET("/api/decisions", s.listDecisionsHandler)
	e.POST("/api/decisions", s.logDecisionHandler)

	e.POST("/api/server/restart", s.restartHandler, admin)

	s.http = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetMessages attaches the agent message service.
func (s *Server) SetMessages(m *services.MessageService) { s.messages = m }

// SetDecisions attaches the decision log service.
func (s *Server) SetDecisions(d *services.DecisionService) { s.decisions = d }

// SetUsage attaches the usage accounting service.
func (s *Server) SetUsage(u *services.UsageService) { s.usage = u }

// SetWebhooks attaches the webhook registration service.
func (s *Server) SetWebhooks(w *services.WebhookService) { s.webhooks = w }

// SetRestartCh attaches the channel the restart endpoint signals. The
// composition root listens on it and rebuilds the process.
func (s *Server) SetRestartCh(ch chan<- struct{}) { s.restartCh = ch }

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.log.Info("http server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown closes every WebSocket client, then stops the listener.
// Hub clients close first because their handlers hold hijacked
// connections that http.Shutdown does not wait for.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.CloseAll()
	}
	return s.http.Shutdown(ctx)
}

// emit publishes an event if the bus is wired.
func (s *Server) emit(name string, data map[string]any) {
	if s.bus != nil {
		s.bus.Emit(name, data)
	}
}

// rootHandler handles GET /. It identifies the service for humans and
// load balancers poking at the root path.
func (s *Server) rootHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &RootResponse{
		Name:    version.AppName,
		Version: version.GitCommit,
	})
}
