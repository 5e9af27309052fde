package component

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the structured value held by an instance. Values must be
// JSON-serializable: nested maps, slices, strings, numbers, booleans,
// and nil.
type State = map[string]any

// Result is what an action handler produces. A non-nil State commits
// a mutation and triggers a broadcast; a nil State leaves the
// instance untouched and only Reply is returned to the caller.
type Result struct {
	State State
	Reply any
}

// Mutate returns a Result that commits newState.
func Mutate(newState State) Result {
	return Result{State: newState}
}

// Reply returns a Result that leaves state unchanged and answers the
// caller with v.
func Reply(v any) Result {
	return Result{Reply: v}
}

// ActionHandler mutates or inspects instance state. It receives a
// private copy of the current state; changes take effect only through
// the returned Result. Returning an error leaves state unchanged.
type ActionHandler func(ctx context.Context, state State, payload map[string]any) (Result, error)

// Type describes a component: its name, initial-state constructor,
// and a fixed action table. The table is resolved once at
// registration time; there is no runtime reflection.
type Type struct {
	// Name identifies the type on the wire.
	Name string

	// InitialState builds the state for a fresh mount, seeded by the
	// client's props.
	InitialState func(props map[string]any) State

	// Actions maps action names to handlers.
	Actions map[string]ActionHandler
}

// Type errors.
var (
	ErrInvalidType   = errors.New("component: invalid type definition")
	ErrDuplicateType = errors.New("component: type already registered")
	ErrTypeNotFound  = errors.New("component: type not found")
)

// Validate checks that the type definition is complete.
func (t *Type) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidType)
	}
	if t.InitialState == nil {
		return fmt.Errorf("%w: %s has no initial-state constructor", ErrInvalidType, t.Name)
	}
	for name, h := range t.Actions {
		if name == "" || h == nil {
			return fmt.Errorf("%w: %s has a nil or unnamed action", ErrInvalidType, t.Name)
		}
	}
	return nil
}

// Handler returns the handler for the named action.
func (t *Type) Handler(action string) (ActionHandler, bool) {
	h, ok := t.Actions[action]
	return h, ok
}

// Types is a registry of component types. Registration happens at
// startup; lookups are concurrent.
type Types struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewTypes creates an empty type registry.
func NewTypes() *Types {
	return &Types{types: make(map[string]*Type)}
}

// Register adds a type. Registering a name twice fails with
// ErrDuplicateType.
func (r *Types) Register(t *Type) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// Get looks up a type by name.
func (r *Types) Get(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered type names.
func (r *Types) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered types.
func (r *Types) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
