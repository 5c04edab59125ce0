// Package postgres implements the destination store on Postgres via the
// pgx stdlib driver. It applies the schema DDL on startup and relies on
// ON CONFLICT upserts and advisory locks for run serialization.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/brightmetrics/cohortsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

const driverName = "pgx"

// Store is a Postgres-backed store.Store.
type Store struct {
	db *sql.DB

	// Advisory locks are session-scoped, so the lock must live on one
	// pinned connection rather than an arbitrary pool member.
	lockMu   sync.Mutex
	lockConn *sql.Conn
}

// Open connects to Postgres using the given DSN and applies the schema.
// The DDL uses IF NOT EXISTS throughout, so Open is idempotent.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases any held run lock connection and closes the pool.
func (s *Store) Close() error {
	s.lockMu.Lock()
	if s.lockConn != nil {
		s.lockConn.Close()
		s.lockConn = nil
	}
	s.lockMu.Unlock()
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// splitStatements splits the embedded DDL on semicolons. The schema
// contains no procedural bodies, so a plain split is sufficient.
func splitStatements(ddl string) []string {
	return strings.Split(ddl, ";")
}

// AcquireRunLock takes a per-period advisory lock on a pinned connection.
func (s *Store) AcquireRunLock(ctx context.Context, period string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn != nil {
		return fmt.Errorf("acquire run lock: lock connection already in use")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}

	var locked bool
	err = conn.QueryRowContext(ctx, `
		SELECT pg_try_advisory_lock(hashtext($1))
	`, lockKey(period)).Scan(&locked)
	if err != nil {
		conn.Close()
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		conn.Close()
		return store.ErrRunLockHeld
	}

	s.lockConn = conn
	return nil
}

// ReleaseRunLock releases the advisory lock and returns the pinned
// connection to the pool.
func (s *Store) ReleaseRunLock(ctx context.Context, period string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn == nil {
		return nil
	}

	_, err := s.lockConn.ExecContext(ctx, `
		SELECT pg_advisory_unlock(hashtext($1))
	`, lockKey(period))
	closeErr := s.lockConn.Close()
	s.lockConn = nil
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("release run lock: close conn: %w", closeErr)
	}
	return nil
}

// lockKey namespaces the advisory lock so unrelated tools sharing the
// database cannot collide with sync-run locks.
func lockKey(period string) string {
	return "cohortsync:run:" + period
}
