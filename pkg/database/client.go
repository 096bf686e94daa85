// Package database provides the durable store backing the task board:
// connection management, embedded schema migrations, ID minting, and the
// transaction helper every mutating component goes through.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "modernc.org/sqlite"             // embedded sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps the SQL connection pool. All writes from the board and the
// services funnel through it, which is what serializes them: SQLite holds
// a single writer by construction, PostgreSQL serializes per-row through
// the claim statement's guard.
type Store struct {
	db      *stdsql.DB
	dialect Dialect
	log     *slog.Logger
}

// Open connects, tunes the pool, verifies connectivity, and applies all
// pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, driver, dsn, err := resolveURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := stdsql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case DialectPostgres:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	case DialectSQLite:
		// A small pool: WAL gives concurrent readers, the busy_timeout
		// pragma queues writers.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:      db,
		dialect: dialect,
		log:     slog.Default().With("component", "store", "dialect", string(dialect)),
	}, nil
}

// resolveURL maps a config URL onto (dialect, sql driver, DSN). A bare
// filesystem path selects the embedded store.
func resolveURL(raw string) (Dialect, string, string, error) {
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return DialectPostgres, "pgx", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return DialectSQLite, "sqlite", sqliteDSN(strings.TrimPrefix(raw, "sqlite://")), nil
	case strings.Contains(raw, "://"):
		return "", "", "", fmt.Errorf("unsupported database url %q", raw)
	case raw == "":
		return "", "", "", errors.New("empty database url")
	default:
		return DialectSQLite, "sqlite", sqliteDSN(raw), nil
	}
}

// sqliteDSN enables WAL (concurrent readers), a generous busy timeout
// (queued writers), foreign keys, and immediate write transactions so two
// deferred transactions can never deadlock on lock upgrade.
func sqliteDSN(path string) string {
	return "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
}

// DB exposes the underlying pool for health checks and tests.
func (s *Store) DB() *stdsql.DB { return s.db }

// Dialect reports which engine the store runs on.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Exec runs a mutating statement. Placeholders are written as `?` and
// rebound for the active dialect.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (stdsql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

// Query runs a multi-row read.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*stdsql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row read (or a RETURNING write).
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *stdsql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// Tx is a transaction with the same placeholder handling as the Store.
type Tx struct {
	tx      *stdsql.Tx
	dialect Dialect
}

// Exec runs a mutating statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (stdsql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// Query runs a multi-row read inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*stdsql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row read inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *stdsql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// WithTx runs fn inside a transaction with guaranteed commit-or-rollback:
// any error from fn rolls the transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// runMigrations applies embedded migrations with golang-migrate. One
// portable migration set serves both dialects: TEXT timestamps, INTEGER
// booleans, no engine-specific types.
func runMigrations(db *stdsql.DB, dialect Dialect) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return errors.New("no embedded migration files found - binary may be built incorrectly")
	}

	var driver migratedb.Driver
	switch dialect {
	case DialectPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return fmt.Errorf("no migration driver for dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(dialect), driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB underneath us.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
