package protocol

import (
	"time"
)

// Kind identifies the type of message carried by an Envelope.
type Kind string

const (
	KindConnectionEstablished Kind = "CONNECTION_ESTABLISHED" // Handshake ack
	KindComponentMount        Kind = "COMPONENT_MOUNT"        // Create/attach instance
	KindCallAction            Kind = "CALL_ACTION"            // Invoke action handler
	KindStateUpdate           Kind = "STATE_UPDATE"           // Push after mutation
	KindComponentRehydrate    Kind = "COMPONENT_REHYDRATE"    // Recover session
	KindStateRehydrated       Kind = "STATE_REHYDRATED"       // Recovery result
	KindComponentUnmount      Kind = "COMPONENT_UNMOUNT"      // Release subscription
	KindBroadcast             Kind = "BROADCAST"              // Out-of-band push
	KindError                 Kind = "ERROR"                  // Failure report
)

// Valid returns true if the kind is one of the defined message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConnectionEstablished, KindComponentMount, KindCallAction,
		KindStateUpdate, KindComponentRehydrate, KindStateRehydrated,
		KindComponentUnmount, KindBroadcast, KindError:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Well-known payload and result field names.
const (
	FieldComponent     = "component"     // COMPONENT_MOUNT: component type name
	FieldProps         = "props"         // COMPONENT_MOUNT: initial props
	FieldState         = "state"         // STATE_UPDATE / STATE_REHYDRATED: current state
	FieldSignedState   = "signedState"   // signed snapshot token
	FieldComponentName = "componentName" // COMPONENT_REHYDRATE: component type name
	FieldNewInstanceID = "newComponentId" // STATE_REHYDRATED result: replacement id
	FieldVersion       = "version"       // state version
	FieldConnectionID  = "connectionId"  // CONNECTION_ESTABLISHED
)

// Envelope is the unit of exchange between client and server.
//
// InstanceID addresses a component instance; RequestID correlates a
// request with its response. Payload and Result are schemaless maps
// whose well-known fields are named by the Field* constants.
type Envelope struct {
	Kind           Kind           `json:"kind"`
	InstanceID     string         `json:"instanceId,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	Action         string         `json:"action,omitempty"`
	Room           string         `json:"room,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	ExpectResponse bool           `json:"expectResponse,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *ErrorInfo     `json:"error,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"` // Unix milliseconds
}

// IsRequest returns true if the envelope expects a correlated response.
func (e *Envelope) IsRequest() bool {
	return e.ExpectResponse && e.RequestID != ""
}

// PayloadString returns the named payload field as a string, or "" if
// absent or not a string.
func (e *Envelope) PayloadString(field string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[field].(string)
	return s
}

// PayloadMap returns the named payload field as a map, or nil.
func (e *Envelope) PayloadMap(field string) map[string]any {
	if e.Payload == nil {
		return nil
	}
	m, _ := e.Payload[field].(map[string]any)
	return m
}

// now returns the current time in Unix milliseconds.
func now() int64 {
	return time.Now().UnixMilli()
}

// NewEnvelope creates an envelope of the given kind with the current
// timestamp.
func NewEnvelope(kind Kind) *Envelope {
	return &Envelope{
		Kind:      kind,
		Timestamp: now(),
	}
}

// NewConnectionEstablished creates the handshake ack sent when a
// connection is accepted.
func NewConnectionEstablished(connectionID string) *Envelope {
	e := NewEnvelope(KindConnectionEstablished)
	e.Payload = map[string]any{FieldConnectionID: connectionID}
	return e
}

// NewStateUpdate creates a STATE_UPDATE push for the given instance.
func NewStateUpdate(instanceID string, state map[string]any, version uint64, signedState string) *Envelope {
	e := NewEnvelope(KindStateUpdate)
	e.InstanceID = instanceID
	e.Payload = map[string]any{
		FieldState:       state,
		FieldVersion:     version,
		FieldSignedState: signedState,
	}
	return e
}

// NewBroadcast creates an out-of-band BROADCAST push.
func NewBroadcast(instanceID string, payload map[string]any) *Envelope {
	e := NewEnvelope(KindBroadcast)
	e.InstanceID = instanceID
	e.Payload = payload
	return e
}

// NewErrorEnvelope creates an ERROR envelope correlated by requestID.
// An empty requestID reports a failure not tied to any request, such
// as an unparseable frame.
func NewErrorEnvelope(requestID string, code ErrorCode, message string) *Envelope {
	e := NewEnvelope(KindError)
	e.RequestID = requestID
	e.Error = &ErrorInfo{Code: code, Message: message}
	return e
}

// Response creates a response envelope of the given kind correlated
// to this request.
func (e *Envelope) Response(kind Kind) *Envelope {
	resp := NewEnvelope(kind)
	resp.RequestID = e.RequestID
	resp.InstanceID = e.InstanceID
	return resp
}
