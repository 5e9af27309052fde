package protocol

// ErrorCode identifies the category of a reported failure.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"                // Unclassified error
	CodeBadEnvelope          ErrorCode = "BAD_ENVELOPE"           // Malformed or invalid envelope
	CodeUnknownComponentType ErrorCode = "UNKNOWN_COMPONENT_TYPE" // Mount of unregistered type
	CodeInstanceNotFound     ErrorCode = "INSTANCE_NOT_FOUND"     // Instance evicted or never existed
	CodeActionFailed         ErrorCode = "ACTION_FAILED"          // Handler returned an error or panicked
	CodeInvalidSnapshot      ErrorCode = "INVALID_SNAPSHOT"       // Signature mismatch or malformed snapshot
	CodeTimeout              ErrorCode = "TIMEOUT"                // Awaited response never arrived
	CodeTransportClosed      ErrorCode = "TRANSPORT_CLOSED"       // Socket gone
	CodeRateLimited          ErrorCode = "RATE_LIMITED"           // Inbound queue full
	CodeConnectionLimit      ErrorCode = "CONNECTION_LIMIT"       // Server at max connections
	CodeInternal             ErrorCode = "INTERNAL"               // Internal server error
)

// Valid returns true if the code is one of the defined error codes.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodeUnknown, CodeBadEnvelope, CodeUnknownComponentType,
		CodeInstanceNotFound, CodeActionFailed, CodeInvalidSnapshot,
		CodeTimeout, CodeTransportClosed, CodeRateLimited,
		CodeConnectionLimit, CodeInternal:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the code.
func (c ErrorCode) String() string {
	return string(c)
}

// ErrorInfo is the error field of an ERROR envelope.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// Error implements the error interface.
func (ei *ErrorInfo) Error() string {
	if ei.Message == "" {
		return string(ei.Code)
	}
	return string(ei.Code) + ": " + ei.Message
}

// Is reports whether the error info carries the given code. An
// ErrorInfo with no recognised code matches CodeUnknown.
func (ei *ErrorInfo) Is(code ErrorCode) bool {
	if ei == nil {
		return false
	}
	if !ei.Code.Valid() {
		return code == CodeUnknown
	}
	return ei.Code == code
}
