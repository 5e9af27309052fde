// Package registry owns the live side of the component session
// protocol: the instance table, the connection table, and room
// membership. It routes inbound operations to component instances and
// fans state broadcasts out to every subscribed connection.
//
// The registry is the single authority over its maps; they are
// mutated only inside its synchronized entry points. It never writes
// to a socket directly — outbound delivery always goes through a
// connection's Sender, which the transport owns.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/protocol"
	"github.com/statewire-dev/statewire/pkg/signer"
	"github.com/statewire-dev/statewire/pkg/store"
)

// Sender delivers envelopes to one connection. The transport owns
// the physical socket; the registry holds only this send primitive.
type Sender interface {
	// ID returns the connection id.
	ID() string

	// Send delivers an envelope, fire-and-forget. Errors are
	// delivery failures, not protocol errors.
	Send(env *protocol.Envelope) error
}

// instanceEntry is the registry's record for one live instance.
// The public id lives here, not on the instance: re-hydration
// replaces it while the instance object survives.
type instanceEntry struct {
	id          string
	inst        *component.Instance
	subscribers map[string]struct{}
	evictTimer  *time.Timer

	// lastBroadcast is the highest version fanned out so far, guarded
	// by the registry mutex. Dispatches complete their sends out of
	// order; a version already superseded is never broadcast.
	lastBroadcast uint64
}

type connEntry struct {
	sender      Sender
	instanceIDs map[string]struct{}
}

// Registry is the single authority mapping instance ids to component
// instances and connection ids to sockets and subscriptions.
type Registry struct {
	types  *component.Types
	config *Config
	signer *signer.Signer
	logger *slog.Logger

	mu        sync.RWMutex
	closed    bool
	instances map[string]*instanceEntry
	aliases   map[string]string // prior instance id -> current id
	conns     map[string]*connEntry
	rooms     map[string]map[string]struct{} // room -> instance ids
	roomIndex map[string]string              // room+type -> shared instance id

	interceptors []DispatchInterceptor

	totalMounts      atomic.Uint64
	totalDispatches  atomic.Uint64
	totalBroadcasts  atomic.Uint64
	totalRehydrated  atomic.Uint64
	totalEvicted     atomic.Uint64
	totalActionFails atomic.Uint64
}

// New creates a Registry over the given type table and signer.
func New(types *component.Types, config *Config, sig *signer.Signer, logger *slog.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		types:     types,
		config:    config,
		signer:    sig,
		logger:    logger.With("component", "registry"),
		instances: make(map[string]*instanceEntry),
		aliases:   make(map[string]string),
		conns:     make(map[string]*connEntry),
		rooms:     make(map[string]map[string]struct{}),
		roomIndex: make(map[string]string),
	}
}

// Use appends a dispatch interceptor. Interceptors run in the order
// added, outermost first. Must be called before serving traffic.
func (r *Registry) Use(i DispatchInterceptor) {
	r.interceptors = append(r.interceptors, i)
}

// RegisterConnection makes a connection known to the registry so
// broadcasts can reach it. The transport calls this at accept time.
func (r *Registry) RegisterConnection(s Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	r.conns[s.ID()] = &connEntry{
		sender:      s,
		instanceIDs: make(map[string]struct{}),
	}
	return nil
}

// CleanupConnection unsubscribes the connection from all instances
// without destroying them. The transport calls this on socket close.
func (r *Registry) CleanupConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	for id := range conn.instanceIDs {
		entry, ok := r.resolveLocked(id)
		if !ok {
			continue
		}
		delete(entry.subscribers, connID)
		if len(entry.subscribers) == 0 {
			r.startEvictTimerLocked(entry)
		}
	}

	r.logger.Debug("connection cleaned up", "conn_id", connID)
}

// NewInstanceID returns a fresh opaque instance identifier.
func NewInstanceID() string {
	return uuid.NewString()
}

// resolveLocked finds the entry for an instance id, following the
// alias chain left by re-hydrations. Caller holds r.mu.
func (r *Registry) resolveLocked(id string) (*instanceEntry, bool) {
	if e, ok := r.instances[id]; ok {
		return e, true
	}
	if cur, ok := r.aliases[id]; ok {
		e, ok := r.instances[cur]
		return e, ok
	}
	return nil, false
}

// subscribeLocked attaches a connection to an instance, cancelling
// any pending eviction. Caller holds r.mu.
func (r *Registry) subscribeLocked(entry *instanceEntry, connID string) {
	entry.subscribers[connID] = struct{}{}
	if conn, ok := r.conns[connID]; ok {
		conn.instanceIDs[entry.id] = struct{}{}
	}
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
		entry.evictTimer = nil
	}
}

// registerInstanceLocked adds a new entry to the instance maps.
// Caller holds r.mu.
func (r *Registry) registerInstanceLocked(entry *instanceEntry, room, typeName string) {
	r.instances[entry.id] = entry
	if room != "" {
		if r.rooms[room] == nil {
			r.rooms[room] = make(map[string]struct{})
		}
		r.rooms[room][entry.id] = struct{}{}
		r.roomIndex[roomKey(room, typeName)] = entry.id
	}
}

// rekeyLocked assigns a fresh public id to a live entry, leaving an
// alias so stale references keep resolving. Caller holds r.mu.
func (r *Registry) rekeyLocked(entry *instanceEntry) string {
	oldID := entry.id
	newID := NewInstanceID()

	delete(r.instances, oldID)
	entry.id = newID
	r.instances[newID] = entry

	// Repoint the whole alias chain at the new id.
	for k, v := range r.aliases {
		if v == oldID {
			r.aliases[k] = newID
		}
	}
	r.aliases[oldID] = newID

	room := entry.inst.Room()
	if room != "" {
		if set, ok := r.rooms[room]; ok {
			delete(set, oldID)
			set[newID] = struct{}{}
		}
		key := roomKey(room, entry.inst.TypeName())
		if r.roomIndex[key] == oldID {
			r.roomIndex[key] = newID
		}
	}

	for _, conn := range r.conns {
		if _, ok := conn.instanceIDs[oldID]; ok {
			delete(conn.instanceIDs, oldID)
			conn.instanceIDs[newID] = struct{}{}
		}
	}

	return newID
}

func roomKey(room, typeName string) string {
	return room + "\x00" + typeName
}

// startEvictTimerLocked schedules eviction of a zero-subscriber
// instance after the grace period. Caller holds r.mu.
func (r *Registry) startEvictTimerLocked(entry *instanceEntry) {
	if entry.evictTimer != nil {
		return
	}
	entry.evictTimer = time.AfterFunc(r.config.EvictionGrace, func() {
		r.evict(entry)
	})
}

// evict removes a zero-subscriber instance, parking its snapshot in
// the store if one is configured. Queued dispatches that already
// resolved the instance finish normally; only new lookups fail.
func (r *Registry) evict(entry *instanceEntry) {
	r.mu.Lock()
	if r.closed || len(entry.subscribers) > 0 {
		r.mu.Unlock()
		return
	}
	if _, ok := r.instances[entry.id]; !ok {
		r.mu.Unlock()
		return
	}
	r.removeEntryLocked(entry)
	r.mu.Unlock()

	r.totalEvicted.Add(1)
	r.persistEntry(entry)

	r.logger.Info("instance evicted",
		"instance_id", entry.id,
		"type", entry.inst.TypeName())
}

// removeEntryLocked deletes an entry from all maps. Caller holds r.mu.
func (r *Registry) removeEntryLocked(entry *instanceEntry) {
	delete(r.instances, entry.id)

	for k, v := range r.aliases {
		if v == entry.id {
			delete(r.aliases, k)
		}
	}

	room := entry.inst.Room()
	if room != "" {
		if set, ok := r.rooms[room]; ok {
			delete(set, entry.id)
			if len(set) == 0 {
				delete(r.rooms, room)
			}
		}
		key := roomKey(room, entry.inst.TypeName())
		if r.roomIndex[key] == entry.id {
			delete(r.roomIndex, key)
		}
	}
}

// persistEntry parks an entry's signed snapshot in the store.
func (r *Registry) persistEntry(entry *instanceEntry) {
	if r.config.Store == nil {
		return
	}

	token, err := r.signEntry(entry)
	if err != nil {
		r.logger.Warn("persist failed: sign", "instance_id", entry.id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expires := time.Now().Add(r.config.StoreTTL)
	if err := r.config.Store.Save(ctx, entry.id, []byte(token), expires); err != nil {
		r.logger.Warn("persist failed: save", "instance_id", entry.id, "error", err)
	}
}

// entryID reads an entry's public id under the registry lock; a
// concurrent re-hydration may re-key it at any time.
func (r *Registry) entryID(entry *instanceEntry) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return entry.id
}

// signState signs the given state and version under the entry's
// current public id. Callers that return state to a client sign the
// exact copy they return, so the token and the state can never
// describe different versions.
func (r *Registry) signState(entry *instanceEntry, state component.State, version uint64) (string, error) {
	return r.signer.Sign(&signer.Snapshot{
		InstanceID: r.entryID(entry),
		TypeName:   entry.inst.TypeName(),
		State:      state,
		Version:    version,
		Room:       entry.inst.Room(),
		UserID:     entry.inst.UserID(),
	})
}

// signEntry signs the entry's current state, for persistence paths
// where no state copy is handed to a client.
func (r *Registry) signEntry(entry *instanceEntry) (string, error) {
	state, version := entry.inst.State()
	return r.signState(entry, state, version)
}

// Stats is a point-in-time view of registry occupancy, exposed via
// the health/stats HTTP surface.
type Stats struct {
	Instances   int    `json:"instances"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Mounts      uint64 `json:"mounts"`
	Dispatches  uint64 `json:"dispatches"`
	Broadcasts  uint64 `json:"broadcasts"`
	Rehydrated  uint64 `json:"rehydrated"`
	Evicted     uint64 `json:"evicted"`
	ActionFails uint64 `json:"action_failures"`
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	instances := len(r.instances)
	connections := len(r.conns)
	rooms := len(r.rooms)
	r.mu.RUnlock()

	return Stats{
		Instances:   instances,
		Connections: connections,
		Rooms:       rooms,
		Mounts:      r.totalMounts.Load(),
		Dispatches:  r.totalDispatches.Load(),
		Broadcasts:  r.totalBroadcasts.Load(),
		Rehydrated:  r.totalRehydrated.Load(),
		Evicted:     r.totalEvicted.Load(),
		ActionFails: r.totalActionFails.Load(),
	}
}

// Shutdown stops eviction timers and, if a store is configured,
// persists every live instance so clients can re-hydrate after the
// process restarts.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	entries := make([]*instanceEntry, 0, len(r.instances))
	for _, e := range r.instances {
		if e.evictTimer != nil {
			e.evictTimer.Stop()
			e.evictTimer = nil
		}
		entries = append(entries, e)
	}
	r.instances = make(map[string]*instanceEntry)
	r.aliases = make(map[string]string)
	r.conns = make(map[string]*connEntry)
	r.rooms = make(map[string]map[string]struct{})
	r.roomIndex = make(map[string]string)
	r.mu.Unlock()

	if r.config.Store != nil {
		snapshots := make(map[string]store.Entry, len(entries))
		expires := time.Now().Add(r.config.StoreTTL)
		for _, e := range entries {
			token, err := r.signEntry(e)
			if err != nil {
				r.logger.Warn("shutdown persist: sign", "instance_id", e.id, "error", err)
				continue
			}
			snapshots[e.id] = store.Entry{Token: []byte(token), ExpiresAt: expires}
		}
		if err := r.config.Store.SaveAll(ctx, snapshots); err != nil {
			r.logger.Warn("shutdown persist: save all", "error", err)
			return err
		}
	}

	r.logger.Info("registry shutdown", "persisted_instances", len(entries))
	return nil
}
