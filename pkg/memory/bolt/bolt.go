// Package bolt provides a [memory.StateStore] on top of a go.etcd.io/bbolt
// database file. Snapshots are JSON values in the chat_storage bucket, keyed
// by record key.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/types"
)

var (
	_ memory.StateStore = (*Store)(nil)
	_ memory.Pinger     = (*Store)(nil)
)

// Bucket is the bucket that holds snapshots.
const Bucket = "chat_storage"

// Store is a bbolt-backed snapshot store. The database file stays open
// (and locked) until Close.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("bolt store: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt store: create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(Bucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt store: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads the snapshot for key.
func (s *Store) Load(ctx context.Context, key string) (types.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Snapshot{}, false, err
	}
	var (
		snap  types.Snapshot
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(Bucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if len(v) == 0 {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("bolt store: load %q: %w", key, err)
	}
	return snap, found, nil
}

// Save replaces the snapshot for key in a single transaction.
func (s *Store) Save(ctx context.Context, key string, snap types.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("bolt store: encode %q: %w", key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(Bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), enc)
	})
	if err != nil {
		return fmt.Errorf("bolt store: save %q: %w", key, err)
	}
	return nil
}

// Ping runs an empty read transaction.
func (s *Store) Ping(_ context.Context) error {
	if err := s.db.View(func(*bolt.Tx) error { return nil }); err != nil {
		return fmt.Errorf("bolt store: %w", err)
	}
	return nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}
