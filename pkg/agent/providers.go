package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// providerCacheSize bounds the in-process provider result cache.
const providerCacheSize = 128

// Provider contributes one optional section to the prompt context.
// Gather may be expensive (repo scans, service manifests); results are
// cached in memory and in the context_snapshots table for TTL.
type Provider interface {
	Name() string
	TTL() time.Duration
	Gather(ctx context.Context, scope string) (string, error)
}

// ProviderResult is one provider's contribution to a prompt.
type ProviderResult struct {
	Name    string
	Content string
}

// providerEntry is a cached gather result with its storage time, so
// each provider's own TTL applies inside the shared cache.
type providerEntry struct {
	content  string
	storedAt time.Time
}

// ProviderRegistry runs registered providers behind a two-level cache:
// an in-process LRU in front of the durable snapshot table. Empty
// results are never cached, and a provider error only skips that
// provider's section.
type ProviderRegistry struct {
	snapshots *services.SnapshotService
	cache     *lru.Cache[string, providerEntry]
	providers []Provider
	log       *slog.Logger
}

// NewProviderRegistry creates a registry. snapshots may be nil; the
// registry then caches in memory only.
func NewProviderRegistry(snapshots *services.SnapshotService) *ProviderRegistry {
	cache, err := lru.New[string, providerEntry](providerCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size.
		panic("agent.NewProviderRegistry: " + err.Error())
	}
	return &ProviderRegistry{
		snapshots: snapshots,
		cache:     cache,
		log:       slog.With("component", "providers"),
	}
}

// Register appends a provider. Providers run in registration order.
func (r *ProviderRegistry) Register(p Provider) {
	r.providers = append(r.providers, p)
}

// Collect gathers every provider's contribution for the scope.
func (r *ProviderRegistry) Collect(ctx context.Context, scope string) []ProviderResult {
	now := time.Now().UTC()

	var results []ProviderResult
	for _, p := range r.providers {
		content, ok := r.lookup(ctx, p, scope, now)
		if !ok {
			var err error
			content, err = p.Gather(ctx, scope)
			if err != nil {
				r.log.Warn("context provider failed",
					"provider", p.Name(), "scope", scope, "error", err)
				continue
			}
			if content == "" {
				continue
			}
			r.store(ctx, p, scope, content, now)
		}
		results = append(results, ProviderResult{Name: p.Name(), Content: content})
	}
	return results
}

// lookup checks the LRU, then the snapshot table. A DB hit is not
// re-added to the LRU: its in-memory freshness window would outlive the
// stored expiry.
func (r *ProviderRegistry) lookup(ctx context.Context, p Provider, scope string, now time.Time) (string, bool) {
	key := p.Name() + "|" + scope
	if entry, ok := r.cache.Get(key); ok {
		if now.Sub(entry.storedAt) < p.TTL() {
			return entry.content, true
		}
		r.cache.Remove(key)
	}

	if r.snapshots != nil {
		content, hit, err := r.snapshots.Get(ctx, p.Name(), scope, now)
		if err != nil {
			r.log.Warn("snapshot lookup failed", "provider", p.Name(), "error", err)
			return "", false
		}
		if hit {
			return content, true
		}
	}
	return "", false
}

func (r *ProviderRegistry) store(ctx context.Context, p Provider, scope, content string, now time.Time) {
	r.cache.Add(p.Name()+"|"+scope, providerEntry{content: content, storedAt: now})
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.Put(ctx, p.Name(), scope, content, p.TTL(), now); err != nil {
		r.log.Warn("snapshot store failed", "provider", p.Name(), "error", err)
	}
}

// BoardSummaryProvider contributes a status summary of the task's group
// so an agent sees how much sibling work is in flight.
type BoardSummaryProvider struct {
	board *board.Board
	ttl   time.Duration
}

// NewBoardSummaryProvider creates the provider. ttl defaults to one
// minute when non-positive.
func NewBoardSummaryProvider(brd *board.Board, ttl time.Duration) *BoardSummaryProvider {
	if brd == nil {
		panic("agent.NewBoardSummaryProvider: board must not be nil")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &BoardSummaryProvider{board: brd, ttl: ttl}
}

// Name implements Provider.
func (p *BoardSummaryProvider) Name() string { return "board_summary" }

// TTL implements Provider.
func (p *BoardSummaryProvider) TTL() time.Duration { return p.ttl }

// Gather summarizes the group's tasks by status. Scope is the group ID.
func (p *BoardSummaryProvider) Gather(ctx context.Context, scope string) (string, error) {
	tasks, err := p.board.GetGroupTasks(ctx, scope)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "", nil
	}

	counts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	parts := make([]string, 0, len(models.TaskStatuses))
	for _, status := range models.TaskStatuses {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	return fmt.Sprintf("Group %s: %d tasks (%s).", scope, len(tasks), strings.Join(parts, ", ")), nil
}
