// Package metadata persists repositories, volume sets, volumes, commits,
// remotes, operations and progress entries in SQLite.
//
// References between tables are maintained by callers rather than by
// database cascades, so that deletion order stays with the reaper.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	name       TEXT PRIMARY KEY,
	properties TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS remotes (
	repo       TEXT NOT NULL,
	name       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (repo, name)
);
CREATE TABLE IF NOT EXISTS volume_sets (
	id            TEXT PRIMARY KEY,
	repo          TEXT NOT NULL,
	source_commit TEXT,
	source_id     INTEGER,
	state         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS volume_sets_repo ON volume_sets (repo, state);
CREATE INDEX IF NOT EXISTS volume_sets_source ON volume_sets (source_id);
CREATE TABLE IF NOT EXISTS volumes (
	volume_set TEXT NOT NULL,
	name       TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	config     TEXT NOT NULL DEFAULT '{}',
	state      TEXT NOT NULL,
	PRIMARY KEY (volume_set, name)
);
CREATE TABLE IF NOT EXISTS commits (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	guid          TEXT NOT NULL,
	repo          TEXT NOT NULL,
	volume_set    TEXT NOT NULL,
	source_commit TEXT,
	timestamp     TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	state         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS commits_guid ON commits (repo, guid);
CREATE INDEX IF NOT EXISTS commits_volume_set ON commits (volume_set);
CREATE TABLE IF NOT EXISTS tags (
	commit_id INTEGER NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (commit_id, key)
);
CREATE TABLE IF NOT EXISTS operations (
	id            TEXT PRIMARY KEY,
	repo          TEXT NOT NULL,
	type          TEXT NOT NULL,
	state         TEXT NOT NULL,
	remote        TEXT NOT NULL,
	commit_id     TEXT NOT NULL,
	metadata_only INTEGER NOT NULL DEFAULT 0,
	params        TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS progress_entries (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	type      TEXT NOT NULL,
	message   TEXT NOT NULL DEFAULT '',
	percent   INTEGER
);
CREATE INDEX IF NOT EXISTS progress_entries_operation ON progress_entries (operation, id);
`

// Store is a handle on the metadata database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path. The special
// path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_foreign_keys=off"
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	// SQLite serializes writers anyway; a single connection also keeps an
	// in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Init creates any missing tables.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn inside a transaction. The transaction commits if fn returns nil
// and rolls back otherwise.
func (s *Store) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Tx is a transaction scope. It must not be used after the enclosing
// Store.Tx call returns.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]any, error) {
	m := make(map[string]any)
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
