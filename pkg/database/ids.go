package database

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"regexp"
)

// ErrBadPrefix rejects prefixes outside the 1-8 uppercase alphanumeric form.
var ErrBadPrefix = errors.New("id prefix must match [A-Z0-9]{1,8}")

var prefixRe = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// rowQuerier is satisfied by both *Store and *Tx so IDs can be minted
// standalone or inside the transaction that inserts the new row.
type rowQuerier interface {
	QueryRow(ctx context.Context, query string, args ...any) *stdsql.Row
}

// MintID atomically increments the counter for prefix and returns the next
// ID, formatted "<PREFIX>-<NNN>". Monotonic per prefix: two concurrent
// mints can never return the same value, because the increment is a single
// upsert statement.
func (s *Store) MintID(ctx context.Context, prefix string) (string, error) {
	return mintID(ctx, s, prefix)
}

// MintID mints inside the transaction, so a rolled-back insert also rolls
// back the counter.
func (t *Tx) MintID(ctx context.Context, prefix string) (string, error) {
	return mintID(ctx, t, prefix)
}

func mintID(ctx context.Context, q rowQuerier, prefix string) (string, error) {
	if !prefixRe.MatchString(prefix) {
		return "", fmt.Errorf("%w: got %q", ErrBadPrefix, prefix)
	}
	var next int64
	err := q.QueryRow(ctx, `
		INSERT INTO id_counters (prefix, next_value) VALUES (?, 1)
		ON CONFLICT (prefix) DO UPDATE SET next_value = next_value + 1
		RETURNING next_value`, prefix).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("mint id for prefix %s: %w", prefix, err)
	}
	return fmt.Sprintf("%s-%03d", prefix, next), nil
}
