package registry

import (
	"time"

	"github.com/statewire-dev/statewire/pkg/store"
)

// Config holds configuration for the Registry.
type Config struct {
	// EvictionGrace is how long an instance with zero subscribed
	// connections survives before eviction. A re-subscription within
	// the window cancels eviction.
	// Default: 2 minutes.
	EvictionGrace time.Duration

	// RejectSuperseded controls the snapshot staleness policy: when
	// true, re-hydration with a snapshot whose version is older than
	// the live instance's version fails instead of rebinding.
	// Default: false (accept any validly signed snapshot).
	RejectSuperseded bool

	// Store is the optional persistence backend for evicted
	// instances. When set, an instance's signed snapshot is parked in
	// the store on eviction and on shutdown, and re-hydration
	// consults the store before reconstructing from the client-held
	// snapshot.
	// Default: nil (no persistence).
	Store store.InstanceStore

	// StoreTTL is how long parked snapshots remain loadable.
	// Default: 24 hours.
	StoreTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EvictionGrace: 2 * time.Minute,
		StoreTTL:      24 * time.Hour,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// WithEvictionGrace sets the grace period and returns the config for
// chaining.
func (c *Config) WithEvictionGrace(d time.Duration) *Config {
	c.EvictionGrace = d
	return c
}

// WithRejectSuperseded sets the staleness policy and returns the
// config for chaining.
func (c *Config) WithRejectSuperseded(reject bool) *Config {
	c.RejectSuperseded = reject
	return c
}

// WithStore sets the persistence backend and returns the config for
// chaining.
func (c *Config) WithStore(s store.InstanceStore) *Config {
	c.Store = s
	return c
}
