// Package board implements the task board: group and task CRUD, the
// atomic claim, dependency tracking with cycle prevention, completion
// and failure propagation, and crash recovery.
//
// The board is a stateless view over the store. It emits no events:
// event emission belongs to the caller (the agent loop or the API
// layer), so background recovery can requeue work silently.
package board

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/taskhive/taskhive/pkg/config"
	"github.com/taskhive/taskhive/pkg/database"
)

// Board mutates tasks and groups through the store. Safe for concurrent
// use; all write paths are serialized by the store itself.
type Board struct {
	store *database.Store
	cfg   *config.Config
	log   *slog.Logger
}

// New creates a Board on top of the store and the role configuration.
func New(store *database.Store, cfg *config.Config) *Board {
	if store == nil {
		panic("board.New: store must not be nil")
	}
	if cfg == nil {
		panic("board.New: cfg must not be nil")
	}
	return &Board{
		store: store,
		cfg:   cfg,
		log:   slog.With("component", "board"),
	}
}

// Store exposes the underlying store for components composed on top of
// the board (recovery wiring, tests).
func (b *Board) Store() *database.Store { return b.store }

// querier is satisfied by both *database.Store and *database.Tx, so the
// board's SQL helpers run standalone or inside a transaction.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner abstracts over *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryStrings runs a single-column query and collects the values.
func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// inPlaceholders builds a "?, ?, ?" list plus the matching args slice.
func inPlaceholders(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}
