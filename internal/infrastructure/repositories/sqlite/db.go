package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_sessions (
	id         TEXT PRIMARY KEY,
	stream_id  TEXT NOT NULL,
	host_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_stream_sessions_live ON stream_sessions(stream_id, status);

CREATE TABLE IF NOT EXISTS presence (
	stream_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	last_seen_at INTEGER NOT NULL,
	PRIMARY KEY (stream_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_presence_seen ON presence(stream_id, last_seen_at);
`

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; sqlite serializes writes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// Ping is used by the health checker.
func Ping(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}
