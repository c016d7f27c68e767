// Package sqlite persists the mesh log and the local node identity.
// Entries live in a single table keyed (channel, stream, author, seq); the
// key rules out duplicates, and EntryStore.Append rejects per-author
// sequence gaps and skips entries already stored. The driver is pure Go (modernc.org/sqlite) — no CGO.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle used by the repositories.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite handles one writer at a time; serialise at the pool level.
	handle.SetMaxOpenConns(1)

	db := &DB{db: handle}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// Migrations returns the schema statements. Each string is a single SQL
// statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		`PRAGMA journal_mode = WAL`,

		// Channel registry: which channels this node syncs.
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Stream registry within a channel.
		`CREATE TABLE IF NOT EXISTS streams (
			channel_id TEXT NOT NULL,
			stream_id  TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (channel_id, stream_id)
		)`,

		// The mesh log itself. The primary key enforces one entry per
		// (channel, stream, author, seq) — merges are naturally idempotent.
		`CREATE TABLE IF NOT EXISTS log_entries (
			channel_id     TEXT    NOT NULL,
			stream_id      TEXT    NOT NULL,
			author         TEXT    NOT NULL,
			seq            INTEGER NOT NULL,
			ts_physical_ms INTEGER NOT NULL,
			ts_logical     INTEGER NOT NULL,
			payload        BLOB,
			PRIMARY KEY (channel_id, stream_id, author, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_stream ON log_entries(channel_id, stream_id, author, seq)`,

		// Local node identity: a single row.
		`CREATE TABLE IF NOT EXISTS node_identity (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			node_id     TEXT    NOT NULL,
			incarnation INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT    NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

func (d *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
