package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/protocol"
	"github.com/statewire-dev/statewire/pkg/registry"
	"github.com/statewire-dev/statewire/pkg/server"
	"github.com/statewire-dev/statewire/pkg/signer"
	"github.com/statewire-dev/statewire/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counterType() *component.Type {
	return &component.Type{
		Name: "Counter",
		InitialState: func(props map[string]any) component.State {
			return component.State{"count": 0.0}
		},
		Actions: map[string]component.ActionHandler{
			"increment": func(ctx context.Context, state component.State, payload map[string]any) (component.Result, error) {
				state["count"] = state["count"].(float64) + 1
				return component.Mutate(state), nil
			},
			"slow": func(ctx context.Context, state component.State, payload map[string]any) (component.Result, error) {
				time.Sleep(200 * time.Millisecond)
				return component.Reply("done"), nil
			},
		},
	}
}

type testBackend struct {
	registry *registry.Registry
	server   *server.Server
	ts       *httptest.Server
	url      string
}

func newBackend(t *testing.T, sig *signer.Signer, st store.InstanceStore, grace time.Duration) *testBackend {
	t.Helper()

	types := component.NewTypes()
	if err := types.Register(counterType()); err != nil {
		t.Fatalf("register type: %v", err)
	}
	cfg := registry.DefaultConfig().WithEvictionGrace(grace)
	if st != nil {
		cfg = cfg.WithStore(st)
	}
	reg := registry.New(types, cfg, sig, testLogger())

	srv := server.New(reg, nil)
	srv.SetLogger(testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testBackend{
		registry: reg,
		server:   srv,
		ts:       ts,
		url:      strings.Replace(ts.URL, "http://", "ws://", 1) + "/statewire/ws",
	}
}

func newBackendSession(t *testing.T, b *testBackend, snaps SnapshotStore) *Session {
	t.Helper()

	s, err := NewSession(&SessionConfig{
		URL:       b.url,
		Component: "Counter",
		Snapshots: snaps,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionMountAndCall(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, time.Minute)

	s := newBackendSession(t, b, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := s.SessionState(); got != StateSynced {
		t.Fatalf("expected synced, got %s", got)
	}
	if s.InstanceID() == "" {
		t.Fatal("expected an instance id")
	}

	if _, err := s.Call(context.Background(), "increment", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	state, version := s.State()
	if state["count"] != 1.0 {
		t.Fatalf("expected count 1, got %v", state["count"])
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
}

func TestCallGuardsState(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, time.Minute)

	s := newBackendSession(t, b, nil)
	if _, err := s.Call(context.Background(), "increment", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionObservesBroadcasts(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, time.Minute)

	updates := make(chan uint64, 8)
	s, err := NewSession(&SessionConfig{
		URL:       b.url,
		Component: "Counter",
		Room:      "lobby",
		Logger:    testLogger(),
		OnState: func(state map[string]any, version uint64) {
			updates <- version
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-updates // mount

	// A second participant in the room mutates the shared instance.
	other, err := NewSession(&SessionConfig{
		URL:       b.url,
		Component: "Counter",
		Room:      "lobby",
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("new other session: %v", err)
	}
	defer other.Close()
	if err := other.Connect(context.Background()); err != nil {
		t.Fatalf("connect other: %v", err)
	}
	if _, err := other.Call(context.Background(), "increment", nil); err != nil {
		t.Fatalf("call other: %v", err)
	}

	select {
	case v := <-updates:
		if v != 1 {
			t.Fatalf("expected pushed version 1, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never observed the pushed state update")
	}

	state, _ := s.State()
	if state["count"] != 1.0 {
		t.Fatalf("expected replicated count 1, got %v", state["count"])
	}
}

func TestCallAutoRecoversFromInstanceLoss(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, 10*time.Millisecond)

	s := newBackendSession(t, b, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Call(context.Background(), "increment", nil); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	oldID := s.InstanceID()

	// Detach server-side so the instance evicts while the socket
	// stays up.
	b.registry.CleanupConnection(s.ConnectionID())
	deadline := time.Now().Add(2 * time.Second)
	for b.registry.Stats().Instances > 0 {
		if time.Now().After(deadline) {
			t.Fatal("instance never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The next call recovers transparently from the held snapshot.
	if _, err := s.Call(context.Background(), "increment", nil); err != nil {
		t.Fatalf("call after eviction: %v", err)
	}
	if s.InstanceID() == oldID {
		t.Fatal("recovery must assign a fresh instance id")
	}
	state, version := s.State()
	if state["count"] != 4.0 {
		t.Fatalf("expected count 4, got %v", state["count"])
	}
	if version != 4 {
		t.Fatalf("expected version 4, got %d", version)
	}
}

func TestSessionSurvivesServerRestart(t *testing.T) {
	key := signer.GenerateKey()
	sig, _ := signer.New(key)
	st := store.NewMemoryStore()
	defer st.Close()
	snaps, err := NewFileSnapshotStore(filepath.Join(t.TempDir(), "snapshots.json"), 0)
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}

	b1 := newBackend(t, sig, st, time.Minute)
	s1 := newBackendSession(t, b1, snaps)
	if err := s1.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s1.Call(context.Background(), "increment", nil); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	oldID := s1.InstanceID()
	s1.Close()

	if err := b1.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	b1.ts.Close()

	// New process: same signing key and store, fresh registry.
	sig2, _ := signer.New(key)
	b2 := newBackend(t, sig2, st, time.Minute)

	s2 := newBackendSession(t, b2, snaps)
	if err := s2.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	state, version := s2.State()
	if state["count"] != 5.0 {
		t.Fatalf("expected count 5 after restart, got %v", state["count"])
	}
	if version != 5 {
		t.Fatalf("expected version 5, got %d", version)
	}
	if s2.InstanceID() == oldID {
		t.Fatal("expected a fresh instance id after restart")
	}

	// The restored instance keeps counting from where it left off.
	if _, err := s2.Call(context.Background(), "increment", nil); err != nil {
		t.Fatalf("call after restart: %v", err)
	}
	_, version = s2.State()
	if version != 6 {
		t.Fatalf("expected version 6, got %d", version)
	}
}

func TestRequestTimeout(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, time.Minute)

	s, err := NewSession(&SessionConfig{
		URL:            b.url,
		Component:      "Counter",
		RequestTimeout: 50 * time.Millisecond,
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := s.Call(context.Background(), "slow", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRoomBroadcastsSurvivePeerRehydrate(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, time.Minute)

	updates := make(chan uint64, 8)
	a, err := NewSession(&SessionConfig{
		URL:       b.url,
		Component: "Counter",
		Room:      "lobby",
		Logger:    testLogger(),
		OnState: func(state map[string]any, version uint64) {
			updates <- version
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer a.Close()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	<-updates // mount

	snaps := NewMemorySnapshotStore(0)
	newPeer := func() *Session {
		s, err := NewSession(&SessionConfig{
			URL:       b.url,
			Component: "Counter",
			Room:      "lobby",
			Snapshots: snaps,
			Logger:    testLogger(),
		})
		if err != nil {
			t.Fatalf("new peer session: %v", err)
		}
		return s
	}

	p1 := newPeer()
	if err := p1.Connect(context.Background()); err != nil {
		t.Fatalf("connect peer: %v", err)
	}
	p1.Close()

	// The peer reconnects and re-hydrates the live shared instance,
	// which re-keys it.
	p2 := newPeer()
	defer p2.Close()
	if err := p2.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect peer: %v", err)
	}
	if p2.InstanceID() == a.InstanceID() && p2.InstanceID() != "" {
		t.Fatal("expected the re-hydrated peer to hold a fresh instance id")
	}

	if _, err := p2.Call(context.Background(), "increment", nil); err != nil {
		t.Fatalf("call peer: %v", err)
	}

	select {
	case v := <-updates:
		if v != 1 {
			t.Fatalf("expected pushed version 1, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("surviving room member never received the broadcast after peer rehydrate")
	}

	state, _ := a.State()
	if state["count"] != 1.0 {
		t.Fatalf("expected replicated count 1, got %v", state["count"])
	}
	if a.InstanceID() != p2.InstanceID() {
		t.Fatalf("expected the survivor to follow the re-keyed id: %s vs %s", a.InstanceID(), p2.InstanceID())
	}
}

func TestStaleStateUpdateIgnored(t *testing.T) {
	s := &Session{
		config:     &SessionConfig{Component: "Counter"},
		logger:     testLogger(),
		state:      StateSynced,
		instanceID: "i1",
		cache:      map[string]any{"count": 2.0},
		version:    2,
	}

	s.handlePush(protocol.NewStateUpdate("i1", map[string]any{"count": 1.0}, 1, ""))

	state, version := s.State()
	if version != 2 || state["count"] != 2.0 {
		t.Fatalf("stale update applied: count %v version %d", state["count"], version)
	}

	s.handlePush(protocol.NewStateUpdate("i1", map[string]any{"count": 3.0}, 3, ""))

	state, version = s.State()
	if version != 3 || state["count"] != 3.0 {
		t.Fatalf("newer update dropped: count %v version %d", state["count"], version)
	}
}

func TestTransportLossEntersReconnecting(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, time.Minute)

	s := newBackendSession(t, b, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := s.Call(context.Background(), "increment", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	transport.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.SessionState() != StateReconnecting {
		if time.Now().After(deadline) {
			t.Fatalf("expected reconnecting after transport loss, got %s", s.SessionState())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.Call(context.Background(), "increment", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while reconnecting, got %v", err)
	}

	// Connect drives the reconnecting session back to synced,
	// recovering state from the held snapshot.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := s.SessionState(); got != StateSynced {
		t.Fatalf("expected synced after reconnect, got %s", got)
	}
	state, _ := s.State()
	if state["count"] != 1.0 {
		t.Fatalf("expected count 1 after reconnect, got %v", state["count"])
	}
}

func TestTransportCloseFailsPending(t *testing.T) {
	sig, _ := signer.New(signer.GenerateKey())
	b := newBackend(t, sig, nil, time.Minute)

	transport, err := Dial(context.Background(), b.url, &TransportOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	mount := protocol.NewEnvelope(protocol.KindComponentMount)
	mount.Payload = map[string]any{protocol.FieldComponent: "Counter"}
	mounted, err := transport.SendAndWait(context.Background(), mount)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		call := protocol.NewEnvelope(protocol.KindCallAction)
		call.InstanceID = mounted.InstanceID
		call.Action = "slow"
		_, err := transport.SendAndWait(context.Background(), call)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	transport.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransportClosed) {
			t.Fatalf("expected ErrTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed after close")
	}
}
