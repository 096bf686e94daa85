package database

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is the storage format for every timestamp column: ISO-8601 UTC
// with fixed-width microseconds, so string comparison orders correctly.
// RFC3339Nano is unsuitable here because it trims trailing zeros.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Now returns the current UTC time at storage precision. Timestamps that
// are both stored and returned to callers should come from here so the
// in-memory value round-trips through the TEXT column unchanged.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp. Accepts RFC3339 variants as a
// fallback for rows written by external tooling.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NullableTime converts an optional time into a bind parameter (nil for NULL).
func NullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// ScanNullableTime converts a scanned nullable column back into *time.Time.
func ScanNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// BoolToInt converts a bool to its stored INTEGER form. Boolean columns are
// stored as 0/1 so one schema serves both engines.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
