package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSaveLoad(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Save(ctx, "i1", []byte("token"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "token" {
		t.Errorf("Load = %q", got)
	}
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	got, err := s.Load(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("missing entry should load as nil, got %q", got)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Save(ctx, "i1", []byte("token"), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Error("expired entry should load as nil")
	}
}

func TestMemoryStoreTouch(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Save(ctx, "i1", []byte("token"), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Touch(ctx, "i1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := s.Load(ctx, "i1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "token" {
		t.Error("touched entry should be live again")
	}

	// Touching a missing id is not an error.
	if err := s.Touch(ctx, "absent", time.Now().Add(time.Minute)); err != nil {
		t.Errorf("Touch absent: %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Save(ctx, "i1", []byte("token"), time.Now().Add(time.Minute))
	if err := s.Delete(ctx, "i1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Load(ctx, "i1"); got != nil {
		t.Error("deleted entry should be gone")
	}
	if err := s.Delete(ctx, "absent"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestMemoryStoreSaveAll(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	err := s.SaveAll(ctx, map[string]Entry{
		"a": {Token: []byte("ta"), ExpiresAt: time.Now().Add(time.Minute)},
		"b": {Token: []byte("tb"), ExpiresAt: time.Now().Add(time.Minute)},
	})
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if got, _ := s.Load(ctx, "b"); string(got) != "tb" {
		t.Errorf("Load b = %q", got)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	ctx := context.Background()

	if err := s.Save(ctx, "i1", nil, time.Now()); err == nil {
		t.Error("Save on closed store should fail")
	}
	if _, err := s.Load(ctx, "i1"); err == nil {
		t.Error("Load on closed store should fail")
	}
	// Double close is fine.
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Save(ctx, "i1", []byte("abc"), time.Now().Add(time.Minute))
	got, _ := s.Load(ctx, "i1")
	got[0] = 'x'

	again, _ := s.Load(ctx, "i1")
	if string(again) != "abc" {
		t.Error("Load must return a private copy")
	}
}
