package client

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMemorySnapshotStore(t *testing.T) {
	s := NewMemorySnapshotStore(0)
	key := SnapshotKey("Counter", "lobby", "u1")

	if got := s.Get(key); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if err := s.Put(key, "token-1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := s.Get(key); got != "token-1" {
		t.Fatalf("expected token-1, got %q", got)
	}

	// Latest write wins.
	s.Put(key, "token-2")
	if got := s.Get(key); got != "token-2" {
		t.Fatalf("expected token-2, got %q", got)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := s.Get(key); got != "" {
		t.Fatalf("expected empty after delete, got %q", got)
	}
}

func TestMemorySnapshotStoreExpiry(t *testing.T) {
	s := NewMemorySnapshotStore(20 * time.Millisecond)
	key := SnapshotKey("Counter", "", "")

	s.Put(key, "token")
	if got := s.Get(key); got != "token" {
		t.Fatalf("expected token, got %q", got)
	}

	time.Sleep(40 * time.Millisecond)
	if got := s.Get(key); got != "" {
		t.Fatalf("expected expired snapshot to be hidden, got %q", got)
	}
}

func TestFileSnapshotStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	key := SnapshotKey("Counter", "lobby", "")

	s1, err := NewFileSnapshotStore(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Put(key, "token-1"); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A fresh open sees what the previous process wrote.
	s2, err := NewFileSnapshotStore(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.Get(key); got != "token-1" {
		t.Fatalf("expected token-1 after reopen, got %q", got)
	}

	if err := s2.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	s3, err := NewFileSnapshotStore(path, 0)
	if err != nil {
		t.Fatalf("reopen after delete: %v", err)
	}
	if got := s3.Get(key); got != "" {
		t.Fatalf("expected empty after delete, got %q", got)
	}
}

func TestFileSnapshotStoreMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s, err := NewFileSnapshotStore(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := s.Get("anything"); got != "" {
		t.Fatalf("expected empty store, got %q", got)
	}
}
