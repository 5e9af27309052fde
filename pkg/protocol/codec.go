package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors.
var (
	ErrMessageTooLarge = errors.New("protocol: message exceeds size limit")
	ErrUnknownKind     = errors.New("protocol: unknown message kind")
	ErrMissingField    = errors.New("protocol: missing required field")
)

// Encode serializes an envelope to its wire form.
func Encode(e *Envelope) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return json.Marshal(e)
}

// Decode parses an envelope from its wire form. maxSize of 0 means
// no limit. Decode validates the kind and the per-kind required
// fields so callers can treat a decoded envelope as well-formed.
func Decode(data []byte, maxSize int64) (*Envelope, error) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, ErrMessageTooLarge
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}

	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// validate checks the required fields for each message kind.
func validate(e *Envelope) error {
	switch e.Kind {
	case KindComponentMount:
		if e.PayloadString(FieldComponent) == "" {
			return fmt.Errorf("%w: payload.%s", ErrMissingField, FieldComponent)
		}
	case KindCallAction:
		if e.InstanceID == "" {
			return fmt.Errorf("%w: instanceId", ErrMissingField)
		}
		if e.Action == "" {
			return fmt.Errorf("%w: action", ErrMissingField)
		}
	case KindComponentRehydrate:
		if e.PayloadString(FieldComponentName) == "" {
			return fmt.Errorf("%w: payload.%s", ErrMissingField, FieldComponentName)
		}
		if e.PayloadString(FieldSignedState) == "" {
			return fmt.Errorf("%w: payload.%s", ErrMissingField, FieldSignedState)
		}
	case KindComponentUnmount, KindStateUpdate, KindBroadcast:
		if e.InstanceID == "" {
			return fmt.Errorf("%w: instanceId", ErrMissingField)
		}
	case KindError:
		if e.Error == nil {
			return fmt.Errorf("%w: error", ErrMissingField)
		}
	}
	return nil
}
