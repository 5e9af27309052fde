package component

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Dispatch errors.
var (
	// ErrActionNotFound is returned when the action name is not in the
	// type's table.
	ErrActionNotFound = errors.New("component: action not found")

	// ErrActionFailed wraps a handler error or panic. State is
	// unchanged when this is returned.
	ErrActionFailed = errors.New("component: action failed")
)

// Instance is one server-held unit of state plus the handlers that
// mutate it. All access to state goes through methods; dispatch
// against one instance is serialized by an instance-local mutex so
// handler executions never interleave.
type Instance struct {
	id       string
	typ      *Type
	room     string
	userID   string
	createdAt time.Time

	// mu serializes dispatch and guards state, version, lastActive.
	mu         sync.Mutex
	state      State
	version    uint64
	lastActive time.Time
}

// New creates an instance from a type's initial-state constructor.
func New(typ *Type, id string, props map[string]any, room, userID string) *Instance {
	now := time.Now()
	return &Instance{
		id:         id,
		typ:        typ,
		room:       room,
		userID:     userID,
		createdAt:  now,
		lastActive: now,
		state:      typ.InitialState(props),
	}
}

// Restore creates an instance from previously captured state, used
// when re-hydrating from a signed snapshot. The version picks up
// where the snapshot left off.
func Restore(typ *Type, id string, state State, version uint64, room, userID string) *Instance {
	now := time.Now()
	return &Instance{
		id:         id,
		typ:        typ,
		room:       room,
		userID:     userID,
		createdAt:  now,
		lastActive: now,
		state:      cloneState(state),
		version:    version,
	}
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// TypeName returns the component type name.
func (i *Instance) TypeName() string { return i.typ.Name }

// Type returns the component type.
func (i *Instance) Type() *Type { return i.typ }

// Room returns the broadcast room, if any.
func (i *Instance) Room() string { return i.room }

// UserID returns the user scoping, if any.
func (i *Instance) UserID() string { return i.userID }

// CreatedAt returns when the instance was created.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// Version returns the current state version.
func (i *Instance) Version() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.version
}

// LastActive returns the time of the last dispatch or touch.
func (i *Instance) LastActive() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActive
}

// Touch marks the instance as recently used.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastActive = time.Now()
	i.mu.Unlock()
}

// State returns a copy of the current state together with its
// version. Callers may retain and serialize the copy freely.
func (i *Instance) State() (State, uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return cloneState(i.state), i.version
}

// Outcome is the result of a dispatch.
type Outcome struct {
	// Reply is the handler's plain return value, if any.
	Reply any

	// StateChanged reports whether a mutation was committed.
	StateChanged bool

	// State is a copy of the state after dispatch.
	State State

	// Version is the version after dispatch.
	Version uint64
}

// Dispatch runs the named action. Concurrent calls against the same
// instance are serialized: the instance mutex is held for the whole
// handler execution, so each handler observes the state left by the
// previous one. Handler panics are recovered and reported as
// ErrActionFailed with state unchanged.
func (i *Instance) Dispatch(ctx context.Context, action string, payload map[string]any) (out *Outcome, err error) {
	handler, ok := i.typ.Handler(action)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrActionNotFound, i.typ.Name, action)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s.%s panicked: %v\n%s",
				ErrActionFailed, i.typ.Name, action, r, debug.Stack())
			out = nil
		}
	}()

	// The handler works on a private copy; the live state is replaced
	// only when the handler commits a mutation.
	working := cloneState(i.state)

	result, herr := handler(ctx, working, payload)
	if herr != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrActionFailed, i.typ.Name, action, herr)
	}

	i.lastActive = time.Now()

	changed := result.State != nil
	if changed {
		i.state = result.State
		i.version++
	}

	return &Outcome{
		Reply:        result.Reply,
		StateChanged: changed,
		State:        cloneState(i.state),
		Version:      i.version,
	}, nil
}

// cloneState deep-copies a state value built from JSON-compatible
// types. Unknown types are copied by reference.
func cloneState(s State) State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneState(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
