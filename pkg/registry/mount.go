package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/signer"
)

// MountResult is what the client receives in answer to a mount or a
// re-hydration: the instance's public id, its full state, and a
// signed snapshot for later recovery.
type MountResult struct {
	InstanceID  string
	State       component.State
	Version     uint64
	SignedState string
}

// Mount attaches a connection to a component instance. Without a
// room a fresh instance is always created. With a room, the live
// instance for (room, type) is joined if one exists, so every
// subscriber in the room shares one logical instance; otherwise the
// new instance becomes that shared one.
func (r *Registry) Mount(ctx context.Context, connID, typeName string, props map[string]any, room, userID string) (*MountResult, error) {
	typ, ok := r.types.Get(typeName)
	if !ok {
		return nil, &OpError{Op: "mount", Err: fmt.Errorf("%w: %s", ErrUnknownComponentType, typeName)}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &OpError{Op: "mount", Err: ErrRegistryClosed}
	}

	var entry *instanceEntry
	if room != "" {
		if id, ok := r.roomIndex[roomKey(room, typeName)]; ok {
			entry = r.instances[id]
		}
	}
	created := entry == nil
	if created {
		id := NewInstanceID()
		entry = &instanceEntry{
			id:          id,
			inst:        component.New(typ, id, props, room, userID),
			subscribers: make(map[string]struct{}),
		}
		r.registerInstanceLocked(entry, room, typeName)
	}
	r.subscribeLocked(entry, connID)
	r.mu.Unlock()

	r.totalMounts.Add(1)

	id := r.entryID(entry)
	state, version := entry.inst.State()
	signed, err := r.signState(entry, state, version)
	if err != nil {
		return nil, &OpError{Op: "mount", InstanceID: id, Err: err}
	}

	r.logger.Debug("instance mounted",
		"instance_id", id,
		"type", typeName,
		"room", room,
		"created", created,
		"conn_id", connID)

	return &MountResult{
		InstanceID:  id,
		State:       state,
		Version:     version,
		SignedState: signed,
	}, nil
}

// Unmount detaches a connection from an instance. The instance
// itself survives: destruction happens only after the eviction grace
// period passes with no subscribers.
func (r *Registry) Unmount(ctx context.Context, connID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.resolveLocked(instanceID)
	if !ok {
		return &OpError{Op: "unmount", InstanceID: instanceID, Err: ErrInstanceNotFound}
	}

	delete(entry.subscribers, connID)
	if conn, ok := r.conns[connID]; ok {
		delete(conn.instanceIDs, entry.id)
	}
	if len(entry.subscribers) == 0 {
		r.startEvictTimerLocked(entry)
	}

	r.logger.Debug("instance unmounted", "instance_id", entry.id, "conn_id", connID)
	return nil
}

// Rehydrate restores a client's session from a signed snapshot. If
// the instance is still live the snapshot's state is discarded and
// the live state wins; otherwise the instance is rebuilt, preferring
// a parked snapshot from the store over the client's token. Either
// way the instance comes back under a fresh id, with an alias so
// references to the old id keep resolving.
func (r *Registry) Rehydrate(ctx context.Context, connID, token, room, userID string) (*MountResult, error) {
	snap, err := r.signer.Verify(token)
	if err != nil {
		return nil, &OpError{Op: "rehydrate", Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &OpError{Op: "rehydrate", Err: ErrRegistryClosed}
	}

	if entry, ok := r.resolveLocked(snap.InstanceID); ok {
		if r.config.RejectSuperseded && entry.inst.Version() > snap.Version {
			r.mu.Unlock()
			return nil, &OpError{Op: "rehydrate", InstanceID: snap.InstanceID, Err: ErrSnapshotSuperseded}
		}
		r.rekeyLocked(entry)
		r.subscribeLocked(entry, connID)
		r.mu.Unlock()
		return r.finishRehydrate(entry, connID, "live")
	}

	// A room-shared instance may be live under a different identity,
	// created by another participant after this one's instance was
	// evicted. Joining it beats forking the room's state.
	if snapRoom := pick(room, snap.Room); snapRoom != "" {
		if id, ok := r.roomIndex[roomKey(snapRoom, snap.TypeName)]; ok {
			entry := r.instances[id]
			r.aliases[snap.InstanceID] = entry.id
			r.subscribeLocked(entry, connID)
			r.mu.Unlock()
			return r.finishRehydrate(entry, connID, "room")
		}
	}
	r.mu.Unlock()

	// Instance is gone. A snapshot parked at eviction or shutdown is
	// fresher than whatever the client last saw, so it wins.
	source := "snapshot"
	if stored := r.loadStored(ctx, snap.InstanceID); stored != nil {
		snap = stored
		source = "store"
	}

	typ, ok := r.types.Get(snap.TypeName)
	if !ok {
		return nil, &OpError{Op: "rehydrate", InstanceID: snap.InstanceID, Err: fmt.Errorf("%w: %s", ErrUnknownComponentType, snap.TypeName)}
	}

	newID := NewInstanceID()
	inst := component.Restore(typ, newID, snap.State, snap.Version, pick(room, snap.Room), pick(userID, snap.UserID))
	entry := &instanceEntry{
		id:          newID,
		inst:        inst,
		subscribers: make(map[string]struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &OpError{Op: "rehydrate", Err: ErrRegistryClosed}
	}
	// Another connection may have won the race to rebuild this
	// instance while the lock was released.
	if existing, ok := r.resolveLocked(snap.InstanceID); ok {
		r.subscribeLocked(existing, connID)
		r.mu.Unlock()
		return r.finishRehydrate(existing, connID, "race")
	}
	r.registerInstanceLocked(entry, inst.Room(), snap.TypeName)
	r.aliases[snap.InstanceID] = newID
	r.subscribeLocked(entry, connID)
	r.mu.Unlock()

	return r.finishRehydrate(entry, connID, source)
}

// finishRehydrate signs the restored state and builds the result.
func (r *Registry) finishRehydrate(entry *instanceEntry, connID, source string) (*MountResult, error) {
	r.totalRehydrated.Add(1)

	id := r.entryID(entry)
	state, version := entry.inst.State()
	signed, err := r.signState(entry, state, version)
	if err != nil {
		return nil, &OpError{Op: "rehydrate", InstanceID: id, Err: err}
	}

	r.logger.Info("instance rehydrated",
		"instance_id", id,
		"type", entry.inst.TypeName(),
		"version", version,
		"source", source,
		"conn_id", connID)

	return &MountResult{
		InstanceID:  id,
		State:       state,
		Version:     version,
		SignedState: signed,
	}, nil
}

// loadStored fetches and verifies a parked snapshot for the instance
// id, deleting it from the store on success. Returns nil when the
// store has nothing usable.
func (r *Registry) loadStored(ctx context.Context, instanceID string) *signer.Snapshot {
	if r.config.Store == nil {
		return nil
	}

	raw, err := r.config.Store.Load(ctx, instanceID)
	if err != nil {
		r.logger.Warn("store load failed", "instance_id", instanceID, "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}

	snap, err := r.signer.Verify(string(raw))
	if err != nil {
		// A stored token that fails verification means the signing key
		// rotated or the store was tampered with. Drop it.
		r.logger.Warn("stored snapshot rejected", "instance_id", instanceID, "error", err)
		if derr := r.config.Store.Delete(ctx, instanceID); derr != nil && !errors.Is(derr, context.Canceled) {
			r.logger.Warn("store delete failed", "instance_id", instanceID, "error", derr)
		}
		return nil
	}

	if err := r.config.Store.Delete(ctx, instanceID); err != nil {
		r.logger.Warn("store delete failed", "instance_id", instanceID, "error", err)
	}
	return snap
}

func pick(explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	return fallback
}
