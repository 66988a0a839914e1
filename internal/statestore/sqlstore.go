// Package statestore backs the opaque state-store collaborator with two
// concrete implementations sharing one database/sql-based core: a
// mattn/go-sqlite3 file store for single-instance/local-dev deployments and
// a jackc/pgx/v5 (via its stdlib driver) Postgres store for multi-instance
// deployments where the cross-process lock needs real cross-process teeth.
// Both satisfy core.IStateStore.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fundingarb/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// dialect abstracts the handful of SQL differences between sqlite and
// Postgres placeholder syntax and upsert clauses.
type dialect struct {
	name           string
	placeholder    func(n int) string
	upsertKV       string
	upsertLock     string
	now            func() int64
}

func sqliteDialect() dialect {
	return dialect{
		name:        "sqlite3",
		placeholder: func(n int) string { return "?" },
		upsertKV:    "INSERT INTO kv_store(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		upsertLock:  "INSERT INTO instance_lock(id, owner, expires_at_unix) VALUES(1, ?, ?) ON CONFLICT(id) DO UPDATE SET owner=excluded.owner, expires_at_unix=excluded.expires_at_unix",
	}
}

func postgresDialect() dialect {
	return dialect{
		name:        "pgx",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		upsertKV:    "INSERT INTO kv_store(key, value) VALUES($1, $2) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		upsertLock:  "INSERT INTO instance_lock(id, owner, expires_at_unix) VALUES(1, $1, $2) ON CONFLICT(id) DO UPDATE SET owner=excluded.owner, expires_at_unix=excluded.expires_at_unix",
	}
}

// SQLStore implements core.IStateStore over a database/sql handle, atomic
// batch writes via a single transaction, and the cross-process lock as a
// single-row lease table guarded by a transaction.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  core.ILogger
}

// NewSQLite opens (creating if absent) a sqlite-backed store at path. The
// connection pool is pinned to a single connection: sqlite serializes
// writers anyway, and an in-memory DSN (":memory:") would otherwise lose
// its data across pooled connections.
func NewSQLite(path string, logger core.ILogger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("statestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: sqliteDialect(), logger: logger.WithField("component", "statestore.sqlite")}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres opens a Postgres-backed store via pgx's database/sql driver,
// which postgres.go registers with a blank import.
func NewPostgres(dsn string, logger core.ILogger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: open postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: postgresDialect(), logger: logger.WithField("component", "statestore.postgres")}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (key TEXT PRIMARY KEY, value BYTEA)`,
		`CREATE TABLE IF NOT EXISTS instance_lock (id INTEGER PRIMARY KEY, owner TEXT NOT NULL, expires_at_unix BIGINT NOT NULL)`,
	}
	if s.dialect.name == "sqlite3" {
		stmts[0] = `CREATE TABLE IF NOT EXISTS kv_store (key TEXT PRIMARY KEY, value BLOB)`
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statestore: ensure schema: %w", err)
		}
	}
	return nil
}

// Get fetches the raw value for key (the orchestrator writes portfolio/state
// and cycles/<id>/summary).
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key = "+s.dialect.placeholder(1), key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("statestore: get %s: %w", key, err)
	}
	return value, true, nil
}

// BatchWrite persists every key in writes atomically in one transaction, the
// "single-batch write" cycle step 8 requires.
func (s *SQLStore) BatchWrite(ctx context.Context, writes map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statestore: begin batch write: %w", err)
	}
	defer tx.Rollback()

	for key, value := range writes {
		if _, err := tx.ExecContext(ctx, s.dialect.upsertKV, key, value); err != nil {
			return fmt.Errorf("statestore: batch write %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statestore: commit batch write: %w", err)
	}
	return nil
}

// AcquireLock implements the cross-process single-writer lock: a single
// lease row that any instance may claim once it is unowned or expired.
// ttlSeconds is the lease duration; callers lease 3x the cycle period so a
// crashed holder's lock expires on its own.
func (s *SQLStore) AcquireLock(ctx context.Context, owner string, ttlSeconds int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("statestore: begin lock acquisition: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	row := tx.QueryRowContext(ctx, "SELECT owner, expires_at_unix FROM instance_lock WHERE id = 1")
	var curOwner string
	var expiresAt int64
	err = row.Scan(&curOwner, &expiresAt)
	held := err == nil && curOwner != owner && expiresAt > now
	if held {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, s.dialect.upsertLock, owner, now+ttlSeconds); err != nil {
		return false, fmt.Errorf("statestore: acquire lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statestore: commit lock acquisition: %w", err)
	}
	return true, nil
}

// ReleaseLock drops the lease early on clean shutdown; safe to call even if
// the lease already expired or was never held by this owner.
func (s *SQLStore) ReleaseLock(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM instance_lock WHERE id = 1 AND owner = "+s.dialect.placeholder(1), owner)
	if err != nil {
		return fmt.Errorf("statestore: release lock: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ core.IStateStore = (*SQLStore)(nil)
