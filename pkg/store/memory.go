package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory InstanceStore. It is the default and
// suitable for single-server deployments; multi-server deployments
// should use SQLStore or S3Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*storedEntry
	closed  bool
	done    chan struct{}
}

type storedEntry struct {
	token     []byte
	expiresAt time.Time
}

// MemoryStoreOption configures MemoryStore behavior.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	cleanupInterval time.Duration
}

// WithCleanupInterval sets how often expired entries are removed.
// Default: 1 minute.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.cleanupInterval = d
	}
}

// NewMemoryStore creates a new in-memory instance store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := &memoryStoreConfig{
		cleanupInterval: 1 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &MemoryStore{
		entries: make(map[string]*storedEntry),
		done:    make(chan struct{}),
	}

	go s.cleanupLoop(cfg.cleanupInterval)
	return s
}

// Save stores a snapshot token with an expiration time.
func (m *MemoryStore) Save(ctx context.Context, instanceID string, token []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	cp := make([]byte, len(token))
	copy(cp, token)

	m.entries[instanceID] = &storedEntry{token: cp, expiresAt: expiresAt}
	return nil
}

// Load retrieves a snapshot token if present and not expired.
func (m *MemoryStore) Load(ctx context.Context, instanceID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}

	e, ok := m.entries[instanceID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}

	cp := make([]byte, len(e.token))
	copy(cp, e.token)
	return cp, nil
}

// Delete removes a snapshot from the store.
func (m *MemoryStore) Delete(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	delete(m.entries, instanceID)
	return nil
}

// Touch updates the expiration time for a snapshot.
func (m *MemoryStore) Touch(ctx context.Context, instanceID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	if e, ok := m.entries[instanceID]; ok {
		e.expiresAt = expiresAt
	}
	return nil
}

// SaveAll saves multiple snapshots in one lock acquisition.
func (m *MemoryStore) SaveAll(ctx context.Context, snapshots map[string]Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	for id, e := range snapshots {
		cp := make([]byte, len(e.Token))
		copy(cp, e.Token)
		m.entries[id] = &storedEntry{token: cp, expiresAt: e.ExpiresAt}
	}
	return nil
}

// Close shuts down the store and stops the cleanup loop.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.entries = nil
	return nil
}

// Len returns the number of stored entries, expired included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) cleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	now := time.Now()
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}
