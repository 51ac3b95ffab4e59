// Package storage is the sqlite-backed persistence collaborator for calls:
// call attempt records and the match fields the call core advances.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const timeLayout = time.RFC3339Nano

// DB wraps the sqlite database shared by the call and match tables.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS matches (
			id                  INTEGER PRIMARY KEY,
			user_a              INTEGER NOT NULL,
			user_b              INTEGER NOT NULL,
			call_count          INTEGER NOT NULL DEFAULT 0,
			is_chat_unlocked    INTEGER NOT NULL DEFAULT 0,
			are_photos_revealed INTEGER NOT NULL DEFAULT 0,
			call_scheduled      INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create matches table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id               TEXT PRIMARY KEY,
			match_id         INTEGER NOT NULL REFERENCES matches(id),
			initiator_id     INTEGER NOT NULL,
			receiver_id      INTEGER NOT NULL,
			call_day         INTEGER NOT NULL,
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			start_time       TEXT,
			end_time         TEXT,
			duration_seconds INTEGER
		);
		CREATE INDEX IF NOT EXISTS calls_match ON calls(match_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	log.Debugf("opened %s", path)
	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
