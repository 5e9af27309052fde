// Package client is the Go client for the component session
// protocol: a correlating transport over the duplex channel plus a
// session manager that mounts a component, dispatches actions, and
// recovers transparently from instance loss using signed snapshots.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/statewire-dev/statewire/pkg/protocol"
)

// Session errors.
var (
	// ErrNotConnected is returned when an operation needs a synced
	// session.
	ErrNotConnected = errors.New("client: session not connected")

	// ErrRecoveryFailed is returned when automatic re-hydration could
	// not restore the session. The caller must mount anew.
	ErrRecoveryFailed = errors.New("client: session recovery failed")

	// ErrNoSnapshot is returned when re-hydration is requested but no
	// snapshot is held.
	ErrNoSnapshot = errors.New("client: no snapshot to rehydrate from")
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateMounting     SessionState = "mounting"
	StateSynced       SessionState = "synced"
	StateReconnecting SessionState = "reconnecting"
	StateError        SessionState = "error"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the WebSocket endpoint (e.g. "ws://host/statewire/ws").
	URL string

	// Component is the component type name to mount.
	Component string

	// Props are the initial props for a fresh mount.
	Props map[string]any

	// Room scopes the session to a shared broadcast room. Optional.
	Room string

	// UserID scopes the session to a user. Optional.
	UserID string

	// Snapshots persists signed snapshots between processes. When
	// nil, snapshots are held in memory only.
	Snapshots SnapshotStore

	// RequestTimeout bounds each request. Default: 10 seconds.
	RequestTimeout time.Duration

	// OnState is invoked with the full replacement state after every
	// applied update, local or pushed. May be nil.
	OnState func(state map[string]any, version uint64)

	// OnBroadcast receives out-of-band pushes. May be nil.
	OnBroadcast func(payload map[string]any)

	// Logger is the session logger. Default: slog.Default().
	Logger *slog.Logger
}

// Session is the client-side manager for one component session. It
// holds a local replica of the server state, keeps the freshest
// signed snapshot, and re-hydrates automatically when the server has
// forgotten the instance.
type Session struct {
	config *SessionConfig
	logger *slog.Logger

	mu         sync.Mutex
	state      SessionState
	transport  *Transport
	instanceID string
	cache      map[string]any
	version    uint64
	signed     string

	// rehydrateMu single-flights recovery; rehydrateSeq lets callers
	// that lost the race skip their own attempt.
	rehydrateMu  sync.Mutex
	rehydrateSeq uint64
}

// NewSession creates a Session. It does not connect.
func NewSession(config *SessionConfig) (*Session, error) {
	if config == nil || config.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if config.Component == "" {
		return nil, errors.New("client: Component is required")
	}
	cfg := *config
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		config: &cfg,
		logger: logger.With("component", "client.session", "type", cfg.Component),
		state:  StateDisconnected,
	}, nil
}

// State returns a copy of the local state replica and its version.
func (s *Session) State() (map[string]any, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out, s.version
}

// SessionState returns the current lifecycle state.
func (s *Session) SessionState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InstanceID returns the current instance id. It changes after every
// successful re-hydration.
func (s *Session) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

// ConnectionID returns the server-assigned connection id, or "" when
// disconnected.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.ConnectionID()
}

// Connect dials the server and syncs the session. When a usable
// snapshot exists the session re-hydrates first, so state survives
// reconnects and server restarts; otherwise a fresh instance is
// mounted. Connect is also how the session reconnects after the
// transport dies.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateMounting || s.state == StateSynced {
		s.mu.Unlock()
		return fmt.Errorf("client: connect in state %s", s.state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	transport, err := Dial(ctx, s.config.URL, &TransportOptions{
		OnPush:         s.handlePush,
		RequestTimeout: s.config.RequestTimeout,
		Logger:         s.config.Logger,
	})
	if err != nil {
		s.setState(StateError)
		return err
	}

	s.mu.Lock()
	s.transport = transport
	s.state = StateMounting
	s.mu.Unlock()

	go s.watchTransport(transport)

	if token := s.snapshotToken(); token != "" {
		if err := s.rehydrateWith(ctx, token); err == nil {
			s.setState(StateSynced)
			return nil
		} else {
			// A stale or rejected snapshot is not fatal; drop it and
			// mount fresh.
			s.logger.Info("rehydrate on connect failed, mounting fresh", "error", err)
			s.dropSnapshot()
		}
	}

	if err := s.mount(ctx); err != nil {
		s.setState(StateError)
		transport.Close()
		return err
	}
	s.setState(StateSynced)
	return nil
}

// Close tears the session down. The snapshot survives for a later
// Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if transport != nil {
		return transport.Close()
	}
	return nil
}

// Call dispatches an action and returns the handler's reply, if any.
// When the server has forgotten the instance, Call re-hydrates from
// the held snapshot and retries exactly once; a second failure
// reports ErrRecoveryFailed.
func (s *Session) Call(ctx context.Context, action string, payload map[string]any) (any, error) {
	s.mu.Lock()
	if s.state != StateSynced {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrNotConnected, s.state)
	}
	seq := s.rehydrateSeqLocked()
	s.mu.Unlock()

	reply, err := s.callOnce(ctx, action, payload)
	if err == nil {
		return reply, nil
	}
	if !isInstanceNotFound(err) {
		return nil, err
	}

	if rerr := s.rehydrate(ctx, seq); rerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, rerr)
	}

	reply, err = s.callOnce(ctx, action, payload)
	if err != nil {
		if isInstanceNotFound(err) {
			return nil, fmt.Errorf("%w: instance lost again after rehydrate", ErrRecoveryFailed)
		}
		return nil, err
	}
	return reply, nil
}

// Rehydrate forces recovery from the held snapshot, outside of the
// automatic retry path.
func (s *Session) Rehydrate(ctx context.Context) error {
	s.mu.Lock()
	seq := s.rehydrateSeqLocked()
	s.mu.Unlock()
	return s.rehydrate(ctx, seq)
}

func (s *Session) callOnce(ctx context.Context, action string, payload map[string]any) (any, error) {
	s.mu.Lock()
	transport := s.transport
	instanceID := s.instanceID
	s.mu.Unlock()
	if transport == nil {
		return nil, ErrNotConnected
	}

	env := protocol.NewEnvelope(protocol.KindCallAction)
	env.InstanceID = instanceID
	env.Action = action
	env.Payload = payload

	resp, err := transport.SendAndWait(ctx, env)
	if err != nil {
		return nil, err
	}

	s.apply(resp)
	if resp.Result != nil {
		return resp.Result["reply"], nil
	}
	return nil, nil
}

func (s *Session) mount(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}

	env := protocol.NewEnvelope(protocol.KindComponentMount)
	env.Room = s.config.Room
	env.UserID = s.config.UserID
	env.Payload = map[string]any{protocol.FieldComponent: s.config.Component}
	if s.config.Props != nil {
		env.Payload[protocol.FieldProps] = s.config.Props
	}

	resp, err := transport.SendAndWait(ctx, env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.instanceID = resp.InstanceID
	s.version = 0
	s.mu.Unlock()
	s.apply(resp)

	s.logger.Debug("mounted", "instance_id", resp.InstanceID)
	return nil
}

// rehydrate single-flights recovery. Callers that observed a failure
// before another goroutine's successful recovery skip their own
// attempt and just retry.
func (s *Session) rehydrate(ctx context.Context, seq uint64) error {
	s.rehydrateMu.Lock()
	defer s.rehydrateMu.Unlock()

	s.mu.Lock()
	current := s.rehydrateSeqLocked()
	s.mu.Unlock()
	if current != seq {
		return nil
	}

	token := s.snapshotToken()
	if token == "" {
		return ErrNoSnapshot
	}
	return s.rehydrateWith(ctx, token)
}

func (s *Session) rehydrateWith(ctx context.Context, token string) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}

	env := protocol.NewEnvelope(protocol.KindComponentRehydrate)
	env.Room = s.config.Room
	env.UserID = s.config.UserID
	env.Payload = map[string]any{
		protocol.FieldComponentName: s.config.Component,
		protocol.FieldSignedState:   token,
	}

	resp, err := transport.SendAndWait(ctx, env)
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindStateRehydrated {
		return fmt.Errorf("client: unexpected rehydrate response kind %s", resp.Kind)
	}

	newID, _ := resp.Result[protocol.FieldNewInstanceID].(string)
	if newID == "" {
		newID = resp.InstanceID
	}

	s.mu.Lock()
	old := s.instanceID
	s.instanceID = newID
	s.version = 0
	s.rehydrateSeq++
	s.mu.Unlock()
	s.apply(resp)

	s.logger.Info("session rehydrated", "old_instance_id", old, "instance_id", newID)
	return nil
}

// apply replaces the local replica wholesale with the envelope's
// state payload. Partial merges are never performed. Updates older
// than the cached version are dropped: concurrent dispatches can
// complete their sends out of order, and a superseded state must not
// overwrite a newer one.
func (s *Session) apply(env *protocol.Envelope) {
	state := env.PayloadMap(protocol.FieldState)
	if state == nil {
		return
	}
	version := versionFromPayload(env.Payload[protocol.FieldVersion])
	signed := env.PayloadString(protocol.FieldSignedState)

	s.mu.Lock()
	if version < s.version {
		s.mu.Unlock()
		return
	}
	s.cache = state
	s.version = version
	if signed != "" {
		s.signed = signed
	}
	onState := s.config.OnState
	s.mu.Unlock()

	if signed != "" && s.config.Snapshots != nil {
		key := SnapshotKey(s.config.Component, s.config.Room, s.config.UserID)
		if err := s.config.Snapshots.Put(key, signed); err != nil {
			s.logger.Warn("snapshot persist failed", "error", err)
		}
	}

	if onState != nil {
		onState(state, version)
	}
}

func (s *Session) handlePush(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindStateUpdate:
		// A peer's re-hydration re-keys a shared instance; pushes
		// arrive under the new id and this session follows it. One
		// component per transport, so every update is ours.
		s.mu.Lock()
		if env.InstanceID != "" && env.InstanceID != s.instanceID {
			s.logger.Debug("instance rekeyed by peer",
				"old_instance_id", s.instanceID,
				"instance_id", env.InstanceID)
			s.instanceID = env.InstanceID
		}
		s.mu.Unlock()
		s.apply(env)
	case protocol.KindBroadcast:
		if s.config.OnBroadcast != nil {
			s.config.OnBroadcast(env.Payload)
		}
	case protocol.KindError:
		s.logger.Warn("server error push", "error", env.Error)
	}
}

// watchTransport reacts to transport loss. A synced session moves to
// reconnecting so observers can tell a dropped link from a deliberate
// Close; Connect drives the reconnecting session back to synced.
func (s *Session) watchTransport(t *Transport) {
	<-t.Done()
	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
		switch s.state {
		case StateSynced:
			s.state = StateReconnecting
		case StateDisconnected, StateError:
		default:
			s.state = StateDisconnected
		}
	}
	s.mu.Unlock()
}

// snapshotToken returns the freshest snapshot: the in-memory one
// from the last update, falling back to the configured store.
func (s *Session) snapshotToken() string {
	s.mu.Lock()
	signed := s.signed
	s.mu.Unlock()
	if signed != "" {
		return signed
	}
	if s.config.Snapshots != nil {
		return s.config.Snapshots.Get(SnapshotKey(s.config.Component, s.config.Room, s.config.UserID))
	}
	return ""
}

func (s *Session) dropSnapshot() {
	s.mu.Lock()
	s.signed = ""
	s.mu.Unlock()
	if s.config.Snapshots != nil {
		s.config.Snapshots.Delete(SnapshotKey(s.config.Component, s.config.Room, s.config.UserID))
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// rehydrateSeqLocked returns the recovery generation. Caller holds
// s.mu.
func (s *Session) rehydrateSeqLocked() uint64 {
	return s.rehydrateSeq
}

func isInstanceNotFound(err error) bool {
	var info *protocol.ErrorInfo
	if errors.As(err, &info) {
		return info.Code == protocol.CodeInstanceNotFound
	}
	return false
}

func versionFromPayload(v any) uint64 {
	switch n := v.(type) {
	case float64:
		return uint64(n)
	case uint64:
		return n
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	default:
		return 0
	}
}
