// Package protocol defines the wire format shared by the statewire
// server and client: JSON message envelopes carrying a kind, the
// target instance, request/response correlation fields, and a
// schemaless payload.
//
// Every message on the socket is a single Envelope encoded as one
// WebSocket text message. Requests that set ExpectResponse are
// answered by exactly one envelope carrying the same RequestID, or
// by an ERROR envelope with that RequestID.
//
// Message kinds:
//
//	CONNECTION_ESTABLISHED  server → client   handshake ack
//	COMPONENT_MOUNT         client → server   create/attach instance
//	CALL_ACTION             client → server   invoke an action handler
//	STATE_UPDATE            server → client   push after mutation
//	COMPONENT_REHYDRATE     client → server   recover a session
//	STATE_REHYDRATED        server → client   recovery result
//	COMPONENT_UNMOUNT       client → server   release subscription
//	BROADCAST               server → client   out-of-band push
//	ERROR                   server → client   failure report
package protocol
