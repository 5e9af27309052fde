package client

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// SnapshotStore persists signed snapshots between sessions so a
// client can re-hydrate after a disconnect or process restart.
// Snapshots are keyed by (component, room, user); the latest write
// wins.
type SnapshotStore interface {
	// Put records the snapshot token for a key.
	Put(key, token string) error

	// Get returns the stored token, or "" when absent or expired.
	Get(key string) string

	// Delete removes the snapshot for a key.
	Delete(key string) error
}

// SnapshotKey builds the store key for a component identity.
func SnapshotKey(component, room, userID string) string {
	return component + "|" + room + "|" + userID
}

type snapshotRecord struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

// MemorySnapshotStore is an in-process SnapshotStore.
type MemorySnapshotStore struct {
	maxAge time.Duration

	mu   sync.RWMutex
	data map[string]snapshotRecord
}

// NewMemorySnapshotStore creates a memory store. maxAge of 0 means
// snapshots never expire.
func NewMemorySnapshotStore(maxAge time.Duration) *MemorySnapshotStore {
	return &MemorySnapshotStore{
		maxAge: maxAge,
		data:   make(map[string]snapshotRecord),
	}
}

func (m *MemorySnapshotStore) Put(key, token string) error {
	m.mu.Lock()
	m.data[key] = snapshotRecord{Token: token, SavedAt: time.Now()}
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshotStore) Get(key string) string {
	m.mu.RLock()
	rec, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	if m.maxAge > 0 && time.Since(rec.SavedAt) > m.maxAge {
		return ""
	}
	return rec.Token
}

func (m *MemorySnapshotStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// FileSnapshotStore persists snapshots to a JSON file, surviving
// client process restarts. Writes go through a temp file and rename
// so a crash never leaves a torn file.
type FileSnapshotStore struct {
	path   string
	maxAge time.Duration

	mu   sync.Mutex
	data map[string]snapshotRecord
}

// NewFileSnapshotStore opens or creates the snapshot file at path.
func NewFileSnapshotStore(path string, maxAge time.Duration) (*FileSnapshotStore, error) {
	s := &FileSnapshotStore{
		path:   path,
		maxAge: maxAge,
		data:   make(map[string]snapshotRecord),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("client: snapshot store: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("client: snapshot store: %w", err)
		}
	}
	return s, nil
}

func (f *FileSnapshotStore) Put(key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = snapshotRecord{Token: token, SavedAt: time.Now()}
	return f.flushLocked()
}

func (f *FileSnapshotStore) Get(key string) string {
	f.mu.Lock()
	rec, ok := f.data[key]
	f.mu.Unlock()
	if !ok {
		return ""
	}
	if f.maxAge > 0 && time.Since(rec.SavedAt) > f.maxAge {
		return ""
	}
	return rec.Token
}

func (f *FileSnapshotStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.flushLocked()
}

func (f *FileSnapshotStore) flushLocked() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("client: snapshot store: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("client: snapshot store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("client: snapshot store: %w", err)
	}
	return nil
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)
var _ SnapshotStore = (*FileSnapshotStore)(nil)
