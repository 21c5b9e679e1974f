// Package db stores a delta repo in an embedded SQLite database.
//
// One database file holds one repo, master or mirror:
//   - items: every row, keyed by (repo_pk, item_pk), indexed by update
//     sequence for paging
//   - counters: named integers (next item pk, last update sequence, delete
//     count, watermark)
//   - meta: named text values (repo identity, role, mirror pull state)
//
// The database runs in WAL mode so the CLI and a daemon can read while a
// sync writes. Writers are serialised by the coordinator's guard; each
// adapter call is one transaction.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Meta keys.
const (
	MetaRepoID    = "repo_id"
	MetaRole      = "role"
	MetaPullState = "pull_state/" // followed by the remote's repo id
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at path, creating the file and its
// parent directory when missing.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	db, err := db.Open(".delta/repo.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS items (
		repo_pk TEXT NOT NULL,
		item_pk INTEGER NOT NULL,
		update_sequence INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL,  -- dirty, pushed, pulled
		is_deleted INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		PRIMARY KEY (repo_pk, item_pk)
	);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_sequence ON items(update_sequence, repo_pk, item_pk);
	CREATE INDEX IF NOT EXISTS idx_items_status ON items(sync_status);
	CREATE INDEX IF NOT EXISTS idx_items_deleted ON items(is_deleted, update_sequence);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GetMeta returns the value stored under key, or "" when unset.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores value under key.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// ListMeta returns every value whose key starts with prefix, keyed by the
// rest of the key.
func (db *DB) ListMeta(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT key, value FROM meta WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list meta %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		out[key[len(prefix):]] = value
	}
	return out, rows.Err()
}

// RepoID returns the stored repo identity, or "" for an uninitialised repo.
func (db *DB) RepoID(ctx context.Context) (schema.RepoPk, error) {
	id, err := db.GetMeta(ctx, MetaRepoID)
	return schema.RepoPk(id), err
}

// Role returns the stored role ("master" or "mirror").
func (db *DB) Role(ctx context.Context) (string, error) {
	return db.GetMeta(ctx, MetaRole)
}

// InitRepo records the repo identity and role. It fails if the database
// already belongs to another repo or role.
func (db *DB) InitRepo(ctx context.Context, id schema.RepoPk, role string) error {
	if id == "" || id == schema.Local {
		return fmt.Errorf("invalid repo id %q", id)
	}
	existing, err := db.RepoID(ctx)
	if err != nil {
		return err
	}
	if existing != "" && existing != id {
		return fmt.Errorf("database %s already belongs to repo %s", db.path, existing)
	}
	existingRole, err := db.Role(ctx)
	if err != nil {
		return err
	}
	if existingRole != "" && existingRole != role {
		return fmt.Errorf("database %s is a %s, not a %s", db.path, existingRole, role)
	}
	if err := db.SetMeta(ctx, MetaRepoID, string(id)); err != nil {
		return err
	}
	return db.SetMeta(ctx, MetaRole, role)
}

// counter reads a named counter, zero when unset.
func counter(ctx context.Context, q querier, name string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	return v, nil
}

func setCounter(ctx context.Context, q querier, name string, v int64) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO counters (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, v)
	if err != nil {
		return fmt.Errorf("failed to write counter %s: %w", name, err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
