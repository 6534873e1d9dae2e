// Package memory defines the persistence contract for hiyori's conversation
// state.
//
// The conversation store keeps everything in memory and hands a [types.Snapshot]
// to a [StateStore] whenever it changes. A snapshot is addressed by a record key
// (the application uses [DefaultKey]) so that several independent stores can
// share one backend.
//
// Backends live in sub-packages:
//
//   - file: one JSON document per key, replaced atomically (default)
//   - bolt: go.etcd.io/bbolt key/value file
//   - sqlite: modernc.org/sqlite table
//   - postgres: normalized session and message tables via pgx
//   - mock: in-memory test double
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"

	"github.com/MrWong99/hiyori/pkg/types"
)

// DefaultKey is the record key under which the application persists its
// conversation snapshot.
const DefaultKey = "chat-storage"

// StateStore loads and saves conversation snapshots.
type StateStore interface {
	// Load returns the snapshot stored under key. found is false (with a nil
	// error) when nothing has been saved yet.
	Load(ctx context.Context, key string) (snap types.Snapshot, found bool, err error)

	// Save replaces the snapshot stored under key.
	Save(ctx context.Context, key string, snap types.Snapshot) error

	// Close releases the backend's resources.
	Close() error
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
