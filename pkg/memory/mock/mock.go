// Package mock provides an in-memory test double for [memory.StateStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.StateStore{}
//	// inject store into the system under test …
//
//	if got := store.CallCount("Save"); got == 0 {
//	    t.Error("expected at least one Save")
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// StateStore is a configurable test double for [memory.StateStore]. Saved
// snapshots are kept per key and returned by Load.
type StateStore struct {
	mu sync.Mutex

	calls []Call
	data  map[string]types.Snapshot

	// LoadErr is returned by [StateStore.Load] when non-nil.
	LoadErr error

	// SaveErr is returned by [StateStore.Save] when non-nil. The snapshot is
	// not stored.
	SaveErr error

	// PingErr is returned by [StateStore.Ping] when non-nil.
	PingErr error

	// CloseErr is returned by [StateStore.Close] when non-nil.
	CloseErr error
}

var (
	_ memory.StateStore = (*StateStore)(nil)
	_ memory.Pinger     = (*StateStore)(nil)
)

// Seed stores snap under key without recording a call.
func (m *StateStore) Seed(key string, snap types.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]types.Snapshot)
	}
	m.data[key] = snap.Clone()
}

// Stored returns the snapshot currently held for key.
func (m *StateStore) Stored(key string) (types.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.data[key]
	return snap.Clone(), ok
}

// Calls returns a copy of all recorded method invocations.
func (m *StateStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *StateStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or response
// configuration.
func (m *StateStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Load implements [memory.StateStore].
func (m *StateStore) Load(_ context.Context, key string) (types.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Load", Args: []any{key}})
	if m.LoadErr != nil {
		return types.Snapshot{}, false, m.LoadErr
	}
	snap, ok := m.data[key]
	return snap.Clone(), ok, nil
}

// Save implements [memory.StateStore].
func (m *StateStore) Save(_ context.Context, key string, snap types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Save", Args: []any{key, snap.Clone()}})
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.data == nil {
		m.data = make(map[string]types.Snapshot)
	}
	m.data[key] = snap.Clone()
	return nil
}

// Ping implements [memory.Pinger].
func (m *StateStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Close implements [memory.StateStore].
func (m *StateStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
	return m.CloseErr
}
