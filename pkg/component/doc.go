// Package component defines server-held component types and their
// live instances.
//
// A Type is a fixed table of action handlers plus an initial-state
// constructor, resolved once at registration time. An Instance is one
// unit of state created from a Type; all mutation goes through
// Instance.Dispatch, which serializes handler execution so that no
// two handlers ever observe the same pre-mutation state.
package component
