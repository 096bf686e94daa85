// taskhive orchestrator server — hosts the task board, the agent fleet,
// the auto-scaler, and the dashboard API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskhive/taskhive/pkg/agent"
	"github.com/taskhive/taskhive/pkg/api"
	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/cleanup"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/database"
	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/metrics"
	"github.com/taskhive/taskhive/pkg/notify"
	"github.com/taskhive/taskhive/pkg/scaler"
	"github.com/taskhive/taskhive/pkg/services"
	"github.com/taskhive/taskhive/pkg/version"
	"github.com/taskhive/taskhive/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory; a missing file is fine.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("no .env file, continuing with existing environment",
			"path", envPath)
	} else {
		slog.Info("loaded environment", "path", envPath)
	}

	slog.Info("starting taskhive",
		"version", version.GitCommit,
		"config_dir", *configDir)

	// The restart endpoint stops everything and builds it again inside
	// the same process; only a signal or an error leaves the loop.
	for {
		restart, err := run(context.Background(), *configDir)
		if err != nil {
			slog.Error("fatal error", "error", err)
			os.Exit(1)
		}
		if !restart {
			slog.Info("shutdown complete")
			return
		}
		slog.Info("restarting")
	}
}

// run builds the full component graph, serves until a shutdown signal or
// restart request arrives, and tears everything down. It returns true
// when the caller should build it all again.
func run(ctx context.Context, configDir string) (restart bool, err error) {
	// 1. Configuration
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return false, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	// 2. Store (embedded SQLite by default, PostgreSQL via DATABASE_URL)
	store, err := database.Open(ctx, database.LoadConfigFromEnv())
	if err != nil {
		return false, fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			slog.Error("error closing store", "error", cerr)
		}
	}()

	// 3. Boot recovery: requeue tasks whose worker crashed, settle
	// blocked tasks whose blockers finished without resolving edges.
	brd := board.New(store, cfg)
	orphans, err := brd.RecoverOrphanedTasks(ctx)
	if err != nil {
		return false, fmt.Errorf("orphan recovery failed: %w", err)
	}
	if len(orphans) > 0 {
		slog.Info("requeued orphaned tasks", "count", len(orphans))
	}
	stuck, err := brd.RecoverStuckBlockedTasks(ctx)
	if err != nil {
		return false, fmt.Errorf("stuck-blocked recovery failed: %w", err)
	}
	if len(stuck.Unblocked)+len(stuck.Failed) > 0 {
		slog.Info("settled stuck blocked tasks",
			"unblocked", len(stuck.Unblocked), "failed", len(stuck.Failed))
	}

	// 4. Event bus and WebSocket hub
	bus := events.NewBus()
	defer bus.Close()
	hub := events.NewHub(cfg.Server.WSWriteTimeout)
	wsSub := bus.Subscribe("*", func(_ context.Context, evt events.Event) {
		hub.Broadcast(evt)
	})
	defer bus.Unsubscribe(wsSub)

	// 5. Domain services
	instances := services.NewInstanceService(store, cfg.Loop.StaleThreshold)
	usage := services.NewUsageService(store)
	messages := services.NewMessageService(store)
	decisions := services.NewDecisionService(store)
	snapshots := services.NewSnapshotService(store)
	webhookSvc := services.NewWebhookService(store)

	// 6. Runner, context assembly, optional worktree isolation
	runner := agent.NewCLIRunner(cfg.Runner)
	providers := agent.NewProviderRegistry(snapshots)
	providers.Register(agent.NewBoardSummaryProvider(brd, 0))
	ctxBuilder := agent.NewContextBuilder(cfg, brd, providers)

	var worktrees *agent.Worktrees
	if cfg.Worktrees.Enabled {
		worktrees, err = agent.NewWorktrees(cfg.Worktrees)
		if err != nil {
			return false, fmt.Errorf("failed to initialize worktrees: %w", err)
		}
		slog.Info("worktree isolation enabled", "repo_dir", cfg.Worktrees.RepoDir)
	}

	// 7. Fleet and auto-scaler
	fleet := agent.NewFleet(cfg, agent.Deps{
		Board:     brd,
		Instances: instances,
		Usage:     usage,
		Decisions: decisions,
		Runner:    runner,
		Bus:       bus,
		Context:   ctxBuilder,
		Worktrees: worktrees,
	})
	sc := scaler.New(cfg, brd, instances, fleet.Spawn, fleet.StopInstance, bus)

	// 8. Outbound webhooks, Slack notifications, metrics, retention
	webhooks := webhook.NewManager(cfg.Webhooks, webhookSvc, bus)
	webhooks.Start()
	defer webhooks.Stop()

	notifier := notify.NewService(cfg.Slack, os.Getenv("DASHBOARD_URL"))
	notifier.Attach(bus)
	defer notifier.Detach(bus)

	collector := metrics.NewCollector(brd, instances, 15*time.Second)
	collector.Attach(bus)
	collector.Start(ctx)
	defer collector.Stop()

	cleaner := cleanup.NewService(cfg.Retention, brd, messages, snapshots)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// 9. Start the fleet and the scaler
	if err := fleet.Start(ctx); err != nil {
		return false, fmt.Errorf("failed to start fleet: %w", err)
	}
	sc.Start(ctx)

	// 10. HTTP server
	server := api.NewServer(cfg, store, brd, instances, fleet, hub, bus)
	server.SetMessages(messages)
	server.SetDecisions(decisions)
	server.SetUsage(usage)
	server.SetWebhooks(webhookSvc)
	restartCh := make(chan struct{}, 1)
	server.SetRestartCh(restartCh)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if serr := server.Start(addr); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
		}
	}()

	stats := cfg.Stats()
	slog.Info("taskhive started",
		"port", cfg.Server.Port,
		"roles", stats.Roles,
		"instances", fleet.Count())

	// 11. Wait for a signal, a server error, or a restart request
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case serr := <-errCh:
		return false, fmt.Errorf("http server error: %w", serr)
	case <-restartCh:
		slog.Info("restart requested via API")
		restart = true
	}

	// 12. Graceful teardown: scaler first so it cannot spawn into a
	// stopping fleet, then the fleet (each loop finishes its current
	// cycle, bounded by StopTimeout), then the HTTP listener.
	sc.Stop()
	fleet.Stop()

	httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	return restart, nil
}
