// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/services"
)

// Service periodically enforces retention policies:
//   - Archives completed groups past the retention window
//   - Deletes old agent messages
//   - Sweeps expired context snapshots
//
// It also re-runs the stuck-blocked sweep so edges created against
// already-terminal blockers settle without operator action. All
// operations are idempotent.
type Service struct {
	config    *config.RetentionConfig
	board     *board.Board
	messages  *services.MessageService
	snapshots *services.SnapshotService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	cfg *config.RetentionConfig,
	b *board.Board,
	messages *services.MessageService,
	snapshots *services.SnapshotService,
) *Service {
	return &Service{
		config:    cfg,
		board:     b,
		messages:  messages,
		snapshots: snapshots,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"group_retention_days", s.config.GroupRetentionDays,
		"message_retention", s.config.MessageRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.archiveOldGroups(ctx)
	s.pruneOldMessages(ctx)
	s.sweepExpiredSnapshots(ctx)
	s.settleStuckBlocked(ctx)
}

func (s *Service) archiveOldGroups(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.GroupRetentionDays)
	count, err := s.board.ArchiveGroupsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: group archive failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: archived old groups", "count", count)
	}
}

func (s *Service) pruneOldMessages(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.MessageRetention)
	count, err := s.messages.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: message cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old messages", "count", count)
	}
}

func (s *Service) sweepExpiredSnapshots(ctx context.Context) {
	count, err := s.snapshots.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("Retention: snapshot sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: swept expired snapshots", "count", count)
	}
}

func (s *Service) settleStuckBlocked(ctx context.Context) {
	result, err := s.board.RecoverStuckBlockedTasks(ctx)
	if err != nil {
		slog.Error("Retention: stuck-blocked sweep failed", "error", err)
		return
	}
	if len(result.Unblocked) > 0 || len(result.Failed) > 0 {
		slog.Info("Retention: settled stuck blocked tasks",
			"unblocked", len(result.Unblocked),
			"failed", len(result.Failed))
	}
}
