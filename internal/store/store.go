// Package store opens the local SQLite database shared by the cache tier
// and the session state store. Writes go through a single-connection
// handle so concurrent stage workers serialize at the database level.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key              TEXT PRIMARY KEY,
		payload          TEXT NOT NULL,
		fetched_at       DATETIME NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		stage             TEXT NOT NULL,
		discovered        TEXT NOT NULL DEFAULT '[]',
		candidate_ids     TEXT NOT NULL DEFAULT '[]',
		pagination_offset INTEGER NOT NULL DEFAULT 0,
		metadata          TEXT NOT NULL DEFAULT '{}',
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS evaluations (
		session_id   TEXT NOT NULL,
		candidate_id TEXT NOT NULL,
		score        REAL NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		PRIMARY KEY (session_id, candidate_id)
	);
`

type DB struct {
	read  *sql.DB
	write *sql.DB
}

// Open opens (creating if needed) the database at dbPath with separate
// read and write handles. The write handle is limited to one connection.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	write, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := write.Exec(pragma); err != nil {
			write.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	read, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("opening read db: %w", err)
	}

	return &DB{read: read, write: write}, nil
}

// Read returns the read-only handle.
func (db *DB) Read() *sql.DB { return db.read }

// Write returns the single-connection write handle.
func (db *DB) Write() *sql.DB { return db.write }

func (db *DB) Close() error {
	var errs []error
	if db.read != nil {
		errs = append(errs, db.read.Close())
	}
	if db.write != nil {
		errs = append(errs, db.write.Close())
	}
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
