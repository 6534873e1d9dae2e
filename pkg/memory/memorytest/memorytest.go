// Package memorytest holds a behavioural test suite shared by every
// [memory.StateStore] backend.
package memorytest

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/types"
)

// SampleSnapshot returns a two-session snapshot with multi-byte content.
func SampleSnapshot() types.Snapshot {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return types.Snapshot{
		ActiveSessionID: "sess_2",
		Sessions: []types.Session{
			{
				ID:    "sess_2",
				Title: "今天天气怎么样",
				Messages: []types.Message{
					{ID: "msg_3_abc", Role: types.RoleUser, Content: "今天天气怎么样？", CreatedAt: t0.Add(2 * time.Minute)},
					{ID: "msg_4_def", Role: types.RoleAssistant, Content: "欧尼酱，今天是晴天哦！", CreatedAt: t0.Add(3 * time.Minute), IsStreaming: true},
				},
				CreatedAt: t0.Add(2 * time.Minute),
				UpdatedAt: t0.Add(3 * time.Minute),
			},
			{
				ID:        "sess_1",
				Title:     types.DefaultSessionTitle,
				Messages:  []types.Message{},
				CreatedAt: t0,
				UpdatedAt: t0,
			},
		},
	}
}

// Run exercises store against the StateStore contract. newStore must return
// a fresh, empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) memory.StateStore) {
	t.Helper()

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, found, err := s.Load(context.Background(), "nothing-here")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if found {
			t.Fatal("found = true for missing key")
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		want := SampleSnapshot()
		if err := s.Save(ctx, memory.DefaultKey, want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, found, err := s.Load(ctx, memory.DefaultKey)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !found {
			t.Fatal("found = false after Save")
		}
		AssertEqual(t, got, want)
	})

	t.Run("Replace", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Save(ctx, memory.DefaultKey, SampleSnapshot()); err != nil {
			t.Fatalf("Save: %v", err)
		}
		smaller := SampleSnapshot()
		smaller.Sessions = smaller.Sessions[1:]
		smaller.ActiveSessionID = "sess_1"
		if err := s.Save(ctx, memory.DefaultKey, smaller); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, _, err := s.Load(ctx, memory.DefaultKey)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		AssertEqual(t, got, smaller)
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Save(ctx, "a", SampleSnapshot()); err != nil {
			t.Fatalf("Save a: %v", err)
		}
		other := types.Snapshot{Sessions: []types.Session{}, ActiveSessionID: ""}
		if err := s.Save(ctx, "b", other); err != nil {
			t.Fatalf("Save b: %v", err)
		}
		got, found, err := s.Load(ctx, "a")
		if err != nil || !found {
			t.Fatalf("Load a: found=%v err=%v", found, err)
		}
		AssertEqual(t, got, SampleSnapshot())

		got, found, err = s.Load(ctx, "b")
		if err != nil || !found {
			t.Fatalf("Load b: found=%v err=%v", found, err)
		}
		if len(got.Sessions) != 0 || got.ActiveSessionID != "" {
			t.Errorf("Load b = %+v, want empty snapshot", got)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		p, ok := s.(memory.Pinger)
		if !ok {
			t.Skip("store does not implement Pinger")
		}
		if err := p.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

// AssertEqual compares two snapshots field by field. Timestamps are compared
// with time.Equal so backends may normalise locations.
func AssertEqual(t *testing.T, got, want types.Snapshot) {
	t.Helper()
	if got.ActiveSessionID != want.ActiveSessionID {
		t.Errorf("ActiveSessionID = %q, want %q", got.ActiveSessionID, want.ActiveSessionID)
	}
	if len(got.Sessions) != len(want.Sessions) {
		t.Fatalf("len(Sessions) = %d, want %d", len(got.Sessions), len(want.Sessions))
	}
	for i := range want.Sessions {
		g, w := got.Sessions[i], want.Sessions[i]
		if g.ID != w.ID || g.Title != w.Title {
			t.Errorf("session[%d] = {%q %q}, want {%q %q}", i, g.ID, g.Title, w.ID, w.Title)
		}
		if !g.CreatedAt.Equal(w.CreatedAt) || !g.UpdatedAt.Equal(w.UpdatedAt) {
			t.Errorf("session[%d] timestamps = %v/%v, want %v/%v", i, g.CreatedAt, g.UpdatedAt, w.CreatedAt, w.UpdatedAt)
		}
		if len(g.Messages) != len(w.Messages) {
			t.Fatalf("session[%d] len(Messages) = %d, want %d", i, len(g.Messages), len(w.Messages))
		}
		for j := range w.Messages {
			gm, wm := g.Messages[j], w.Messages[j]
			if gm.ID != wm.ID || gm.Role != wm.Role || gm.Content != wm.Content || gm.IsStreaming != wm.IsStreaming {
				t.Errorf("session[%d].message[%d] = %+v, want %+v", i, j, gm, wm)
			}
			if !gm.CreatedAt.Equal(wm.CreatedAt) {
				t.Errorf("session[%d].message[%d].CreatedAt = %v, want %v", i, j, gm.CreatedAt, wm.CreatedAt)
			}
		}
	}
}
