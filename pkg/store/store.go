// Package store provides persistence backends for evicted component
// instances. When the registry evicts an instance (grace period
// elapsed, memory pressure, shutdown) it can park the instance's
// signed snapshot in an InstanceStore; a later re-hydration consults
// the store before falling back to the client-held snapshot.
//
// Backends: in-memory (single server), SQL (any database/sql driver),
// and S3.
package store

import (
	"context"
	"time"
)

// InstanceStore persists instance snapshots by their original
// instance id. Implementations must be safe for concurrent use.
type InstanceStore interface {
	// Save persists a snapshot token. If instanceID already exists it
	// is overwritten.
	Save(ctx context.Context, instanceID string, token []byte, expiresAt time.Time) error

	// Load retrieves a snapshot token by instance id.
	// Returns (nil, nil) if absent or expired.
	Load(ctx context.Context, instanceID string) ([]byte, error)

	// Delete removes a snapshot. Not an error if absent.
	Delete(ctx context.Context, instanceID string) error

	// Touch extends the expiration without loading the token.
	// Not an error if absent.
	Touch(ctx context.Context, instanceID string, expiresAt time.Time) error

	// SaveAll persists multiple snapshots, atomically where the
	// backend allows. Used during graceful shutdown.
	SaveAll(ctx context.Context, snapshots map[string]Entry) error

	// Close releases backend resources.
	Close() error
}

// Entry is a snapshot token with its expiry.
type Entry struct {
	Token     []byte
	ExpiresAt time.Time
}

// ErrStoreClosed is returned when operations are attempted on a
// closed store.
type ErrStoreClosed struct{}

func (ErrStoreClosed) Error() string {
	return "instance store is closed"
}
