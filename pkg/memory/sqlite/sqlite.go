// Package sqlite provides a [memory.StateStore] backed by an SQLite database
// through the pure-Go modernc.org/sqlite driver.
//
// Snapshots are stored as JSON in a single key/value table:
//
//	CREATE TABLE chat_storage (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at TEXT NOT NULL)
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/types"
)

var (
	_ memory.StateStore = (*Store)(nil)
	_ memory.Pinger     = (*Store)(nil)
)

const ddl = `
CREATE TABLE IF NOT EXISTS chat_storage (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`

// Store is an SQLite-backed snapshot store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
// path may be ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", path, err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads the snapshot for key.
func (s *Store) Load(ctx context.Context, key string) (types.Snapshot, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM chat_storage WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Snapshot{}, false, nil
	}
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("sqlite store: load %q: %w", key, err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err != nil {
		return types.Snapshot{}, false, fmt.Errorf("sqlite store: decode %q: %w", key, err)
	}
	return snap, true, nil
}

// Save upserts the snapshot for key.
func (s *Store) Save(ctx context.Context, key string, snap types.Snapshot) error {
	enc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlite store: encode %q: %w", key, err)
	}
	const q = `
		INSERT INTO chat_storage (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, string(enc), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("sqlite store: save %q: %w", key, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
