package registry

import (
	"context"
	"errors"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/protocol"
)

// DispatchRequest carries one action invocation through the
// interceptor chain. TypeName is filled in by the registry after
// instance resolution so interceptors can label by component type.
type DispatchRequest struct {
	InstanceID string
	TypeName   string
	Action     string
	Payload    map[string]any
}

// DispatchFunc executes a dispatch request against its instance.
type DispatchFunc func(ctx context.Context, req *DispatchRequest) (*component.Outcome, error)

// DispatchInterceptor wraps a DispatchFunc, in the manner of HTTP
// middleware. Registered via Registry.Use.
type DispatchInterceptor func(next DispatchFunc) DispatchFunc

// DispatchResult is what a completed dispatch returns to the caller.
// SignedState always carries a fresh token for the current state so
// the client's snapshot never goes stale.
type DispatchResult struct {
	InstanceID   string
	Reply        any
	StateChanged bool
	State        component.State
	Version      uint64
	SignedState  string
}

// Dispatch runs an action on an instance and, if the action mutated
// state, broadcasts the new state to every subscribed connection.
func (r *Registry) Dispatch(ctx context.Context, instanceID, action string, payload map[string]any) (*DispatchResult, error) {
	return r.dispatch(ctx, "", instanceID, action, payload)
}

// DispatchFrom is Dispatch on behalf of a connection. The originating
// connection is excluded from the broadcast; its copy of the new
// state travels in the correlated response instead, so each
// subscriber sees exactly one update per mutation.
func (r *Registry) DispatchFrom(ctx context.Context, connID, instanceID, action string, payload map[string]any) (*DispatchResult, error) {
	return r.dispatch(ctx, connID, instanceID, action, payload)
}

func (r *Registry) dispatch(ctx context.Context, excludeConn, instanceID, action string, payload map[string]any) (*DispatchResult, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, &OpError{Op: "dispatch", InstanceID: instanceID, Err: ErrRegistryClosed}
	}
	entry, ok := r.resolveLocked(instanceID)
	var id string
	if ok {
		id = entry.id
	}
	r.mu.RUnlock()

	if !ok {
		return nil, &OpError{Op: "dispatch", InstanceID: instanceID, Err: ErrInstanceNotFound}
	}

	req := &DispatchRequest{
		InstanceID: id,
		TypeName:   entry.inst.TypeName(),
		Action:     action,
		Payload:    payload,
	}

	core := func(ctx context.Context, req *DispatchRequest) (*component.Outcome, error) {
		return entry.inst.Dispatch(ctx, req.Action, req.Payload)
	}
	fn := core
	for i := len(r.interceptors) - 1; i >= 0; i-- {
		fn = r.interceptors[i](fn)
	}

	outcome, err := fn(ctx, req)
	if err != nil {
		if errors.Is(err, component.ErrActionFailed) || errors.Is(err, component.ErrActionNotFound) {
			r.totalActionFails.Add(1)
		}
		return nil, &OpError{Op: "dispatch", InstanceID: id, Err: err}
	}
	r.totalDispatches.Add(1)

	signed, err := r.signState(entry, outcome.State, outcome.Version)
	if err != nil {
		return nil, &OpError{Op: "dispatch", InstanceID: id, Err: err}
	}

	if outcome.StateChanged {
		r.broadcastState(entry, outcome.State, outcome.Version, signed, excludeConn)
	}

	return &DispatchResult{
		InstanceID:   id,
		Reply:        outcome.Reply,
		StateChanged: outcome.StateChanged,
		State:        outcome.State,
		Version:      outcome.Version,
		SignedState:  signed,
	}, nil
}

// broadcastState fans a STATE_UPDATE out to every subscriber of the
// entry except excludeConn. Send failures are logged, not returned:
// a dying socket must not fail the dispatch that triggered it.
// Versions at or below the last broadcast are dropped; the newer
// state already went out.
func (r *Registry) broadcastState(entry *instanceEntry, state component.State, version uint64, signed string, excludeConn string) {
	r.mu.Lock()
	if version <= entry.lastBroadcast {
		r.mu.Unlock()
		return
	}
	entry.lastBroadcast = version
	id := entry.id
	senders := make([]Sender, 0, len(entry.subscribers))
	for connID := range entry.subscribers {
		if connID == excludeConn {
			continue
		}
		if conn, ok := r.conns[connID]; ok {
			senders = append(senders, conn.sender)
		}
	}
	r.mu.Unlock()

	if len(senders) == 0 {
		return
	}

	env := protocol.NewStateUpdate(id, state, version, signed)
	for _, s := range senders {
		if err := s.Send(env); err != nil {
			r.logger.Warn("state broadcast dropped",
				"instance_id", id,
				"conn_id", s.ID(),
				"error", err)
		}
	}
	r.totalBroadcasts.Add(uint64(len(senders)))
}

// Broadcast pushes an out-of-band payload to every connection
// subscribed to the instance. Server-side code uses this for events
// that do not originate from a client action.
func (r *Registry) Broadcast(instanceID string, payload map[string]any) error {
	r.mu.RLock()
	entry, ok := r.resolveLocked(instanceID)
	if !ok {
		r.mu.RUnlock()
		return &OpError{Op: "broadcast", InstanceID: instanceID, Err: ErrInstanceNotFound}
	}
	id := entry.id
	senders := make([]Sender, 0, len(entry.subscribers))
	for connID := range entry.subscribers {
		if conn, ok := r.conns[connID]; ok {
			senders = append(senders, conn.sender)
		}
	}
	r.mu.RUnlock()

	env := protocol.NewBroadcast(id, payload)
	for _, s := range senders {
		if err := s.Send(env); err != nil {
			r.logger.Warn("broadcast dropped",
				"instance_id", id,
				"conn_id", s.ID(),
				"error", err)
		}
	}
	r.totalBroadcasts.Add(uint64(len(senders)))
	return nil
}
