package protocol

// Default wire limits. Transports may override via their own config;
// these are the values used when nothing else is specified.
const (
	// DefaultMaxMessageSize is the maximum size of a single envelope
	// on the wire.
	DefaultMaxMessageSize = 256 * 1024

	// MaxActionNameLength bounds action names from the client.
	MaxActionNameLength = 128

	// MaxComponentNameLength bounds component type names.
	MaxComponentNameLength = 128
)
