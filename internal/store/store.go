// Package store implements the embedded relational store: a single SQLite
// file with write-ahead journaling, a bounded connection pool
// with acquire-timeout semantics, versioned migrations run inside a single
// transaction per version, and the generic transaction/query/execute/batch
// surface every repository builds on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskmesh/taskmeshd/internal/errkind"
	"github.com/taskmesh/taskmeshd/internal/logging"
)

// Config configures the embedded store: file path, pool bounds, acquire
// and busy timeouts, and the schema version to migrate up to.
type Config struct {
	Path                string
	MinConnections      int
	MaxConnections      int
	ConnectionTimeout   time.Duration
	BusyTimeout         time.Duration
	TargetSchemaVersion int
}

// idleWindow is the fixed idle window after which database/sql closes an
// idle connection. MinConnections only caps how many idle connections are
// kept; it is not a floor, and every connection idle longer than the window
// is closed.
const idleWindow = 5 * time.Minute

// Store is the embedded relational store. It is constructed once at startup
// and passed to Repositories by dependency injection rather than reached as
// a package-level singleton.
type Store struct {
	db     *sql.DB
	cfg    Config
	sem    chan struct{}
	logger logging.Logger
}

// Open creates the database directory if needed, opens a connection, enables
// foreign keys, WAL journaling and normal synchronous mode, and migrates the
// schema up to cfg.TargetSchemaVersion. Open failure and migration failure
// are both fatal.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Store, error) {
	logger = logging.OrNop(logger)
	if cfg.MinConnections <= 0 {
		cfg.MinConnections = 2
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MinConnections)
	db.SetConnMaxIdleTime(idleWindow)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConnections),
		logger: logger.With("Store"),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.StoreMigrationFailed, err, "schema migration failed")
	}

	return s, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// acquire bounds concurrent logical operations at cfg.MaxConnections and
// enforces the documented acquire-timeout. Waiters are served FIFO by the
// channel's own ordering.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.cfg.ConnectionTimeout):
		return nil, errkind.New(errkind.AcquireTimeout, "timed out acquiring a store connection")
	}
}

// Transaction acquires a connection, begins a transaction, runs fn, commits
// on success, and rolls back and rethrows on failure. The connection is
// always released.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Query runs a read-only query outside of an explicit transaction.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read-only query expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// ExecResult is the result of Execute: rows affected and, for inserts, the
// generated rowid.
type ExecResult struct {
	Changes      int64
	LastInsertID int64
}

// Execute runs a single write statement inside its own transaction.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (ExecResult, error) {
	var result ExecResult
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		result.Changes, _ = res.RowsAffected()
		result.LastInsertID, _ = res.LastInsertId()
		return nil
	})
	return result, err
}

// Stmt is a single statement in a Batch call.
type Stmt struct {
	Query string
	Args  []any
}

// Batch runs every statement inside a single transaction.
func (s *Store) Batch(ctx context.Context, stmts []Stmt) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.Query, st.Args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// PoolStats reports the pool size/idle/busy counts for the health tool.
type PoolStats struct {
	Size int
	Idle int
	Busy int
}

// Stats reports current pool occupancy.
func (s *Store) Stats() PoolStats {
	dbStats := s.db.Stats()
	return PoolStats{
		Size: dbStats.MaxOpenConnections,
		Idle: dbStats.Idle,
		Busy: dbStats.InUse,
	}
}
