package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/memory/file"
	"github.com/MrWong99/hiyori/pkg/memory/memorytest"
)

func newStore(t *testing.T) memory.StateStore {
	t.Helper()
	s, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStateStore(t *testing.T) {
	t.Parallel()
	memorytest.Run(t, newStore)
}

func TestNew_EmptyDir(t *testing.T) {
	t.Parallel()
	if _, err := file.New("  "); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := file.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 3 {
		if err := s.Save(context.Background(), memory.DefaultKey, memorytest.SampleSnapshot()); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "chat-storage.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want [chat-storage.json]", names)
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chat-storage.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := file.New(dir)
	if _, _, err := s.Load(context.Background(), memory.DefaultKey); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestKeySanitized(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, _ := file.New(dir)
	if err := s.Save(context.Background(), "../escape", memorytest.SampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "___escape.json")); err != nil {
		t.Errorf("sanitized file missing: %v", err)
	}
}

func TestLoad_CancelledContext(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Load(ctx, memory.DefaultKey); err == nil {
		t.Fatal("expected context error")
	}
}
