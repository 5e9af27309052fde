package registry

import (
	"errors"
	"fmt"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/protocol"
	"github.com/statewire-dev/statewire/pkg/signer"
)

// Sentinel errors for registry operations.
var (
	// ErrUnknownComponentType is returned when mounting a type that was
	// never registered.
	ErrUnknownComponentType = errors.New("registry: unknown component type")

	// ErrInstanceNotFound is returned when dispatching to an instance
	// that was evicted or never existed. It signals the caller to
	// re-hydrate.
	ErrInstanceNotFound = errors.New("registry: instance not found")

	// ErrSnapshotSuperseded is returned when re-hydration presents a
	// snapshot older than the live instance and the registry is
	// configured to reject superseded snapshots.
	ErrSnapshotSuperseded = errors.New("registry: snapshot superseded")

	// ErrConnectionNotFound is returned when an operation references an
	// unregistered connection.
	ErrConnectionNotFound = errors.New("registry: connection not found")

	// ErrRegistryClosed is returned after Shutdown.
	ErrRegistryClosed = errors.New("registry: closed")
)

// OpError wraps an error with operation context for debugging.
type OpError struct {
	Op         string
	InstanceID string
	Err        error
}

// Error returns the error message with operation context.
func (e *OpError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("registry: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry: %s: instance %s: %v", e.Op, e.InstanceID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *OpError) Unwrap() error {
	return e.Err
}

// CodeFor maps a registry error to its wire error code.
func CodeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrUnknownComponentType):
		return protocol.CodeUnknownComponentType
	case errors.Is(err, ErrInstanceNotFound):
		return protocol.CodeInstanceNotFound
	case errors.Is(err, signer.ErrInvalidSnapshot), errors.Is(err, ErrSnapshotSuperseded):
		return protocol.CodeInvalidSnapshot
	case errors.Is(err, component.ErrActionFailed), errors.Is(err, component.ErrActionNotFound):
		return protocol.CodeActionFailed
	default:
		return protocol.CodeInternal
	}
}
