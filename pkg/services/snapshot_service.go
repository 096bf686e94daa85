package services

import (
	"context"
	"fmt"
	"time"

	"github.com/taskhive/taskhive/pkg/database"
)

// SnapshotService persists context provider output so expensive
// gathers (repo maps, service manifests) are shared across instances
// and survive restarts.
type SnapshotService struct {
	store *database.Store
}

// NewSnapshotService creates a new SnapshotService.
func NewSnapshotService(store *database.Store) *SnapshotService {
	if store == nil {
		panic("NewSnapshotService: store must not be nil")
	}
	return &SnapshotService{store: store}
}

// Get returns the cached content for (provider, scope) when a fresh
// snapshot exists. The bool reports a cache hit.
func (s *SnapshotService) Get(ctx context.Context, provider, scope string, now time.Time) (string, bool, error) {
	var (
		content   string
		expiresAt string
	)
	err := s.store.QueryRow(ctx, `
		SELECT content, expires_at FROM context_snapshots
		WHERE provider = ? AND scope = ?`,
		provider, scope).Scan(&content, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read snapshot %s/%s: %w", provider, scope, err)
	}

	expiry, err := database.ParseTime(expiresAt)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	if !now.Before(expiry) {
		return "", false, nil
	}
	return content, true, nil
}

// Put upserts a snapshot with the given TTL.
func (s *SnapshotService) Put(ctx context.Context, provider, scope, content string, ttl time.Duration, now time.Time) error {
	if provider == "" {
		return NewValidationError("provider", "provider name is required")
	}
	if ttl <= 0 {
		return NewValidationError("ttl", "ttl must be positive")
	}

	_, err := s.store.Exec(ctx, `
		INSERT INTO context_snapshots (provider, scope, content, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, scope) DO UPDATE SET
			content = excluded.content,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		provider, scope, content,
		database.FormatTime(now), database.FormatTime(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s/%s: %w", provider, scope, err)
	}
	return nil
}

// DeleteExpired sweeps snapshots past their expiry and returns how
// many were removed.
func (s *SnapshotService) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.store.Exec(ctx,
		`DELETE FROM context_snapshots WHERE expires_at <= ?`,
		database.FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep snapshots: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept snapshots: %w", err)
	}
	return deleted, nil
}
