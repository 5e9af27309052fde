package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/statewire-dev/statewire/pkg/protocol"
)

// Transport errors.
var (
	// ErrTransportClosed is returned when the connection is gone. The
	// transport never retries; reconnection is the Manager's job.
	ErrTransportClosed = errors.New("client: transport closed")

	// ErrTimeout is returned when a request's response does not arrive
	// in time.
	ErrTimeout = errors.New("client: request timed out")
)

// Transport is one duplex connection to the server. It correlates
// requests with responses by request id and hands everything else to
// the push handler.
type Transport struct {
	ws      *websocket.Conn
	connID  string
	onPush  func(*protocol.Envelope)
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
	closed  bool

	done chan struct{}
}

// TransportOptions configures Dial.
type TransportOptions struct {
	// OnPush receives uncorrelated envelopes: state broadcasts and
	// out-of-band pushes. May be nil.
	OnPush func(*protocol.Envelope)

	// RequestTimeout is the default wait for a correlated response.
	// Default: 10 seconds.
	RequestTimeout time.Duration

	// Logger is the transport logger. Default: slog.Default().
	Logger *slog.Logger
}

// Dial connects to the server and waits for the handshake ack. The
// returned transport is ready for requests.
func Dial(ctx context.Context, url string, opts *TransportOptions) (*Transport, error) {
	if opts == nil {
		opts = &TransportOptions{}
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	env, err := protocol.Decode(msg, 0)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	if env.Kind != protocol.KindConnectionEstablished {
		ws.Close()
		return nil, fmt.Errorf("client: handshake: unexpected kind %s", env.Kind)
	}
	ws.SetReadDeadline(time.Time{})

	t := &Transport{
		ws:      ws,
		connID:  env.PayloadString(protocol.FieldConnectionID),
		onPush:  opts.OnPush,
		logger:  logger.With("component", "client.transport"),
		timeout: timeout,
		pending: make(map[string]chan *protocol.Envelope),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// ConnectionID returns the server-assigned connection id.
func (t *Transport) ConnectionID() string { return t.connID }

// Done is closed when the transport dies.
func (t *Transport) Done() <-chan struct{} { return t.done }

// SendAndWait sends a request and blocks for its correlated
// response. A response of kind ERROR is returned as the error. A
// missing request id is assigned.
func (t *Transport) SendAndWait(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	env.ExpectResponse = true

	ch := make(chan *protocol.Envelope, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.pending[env.RequestID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, env.RequestID)
		t.mu.Unlock()
	}()

	if err := t.Send(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Kind == protocol.KindError && resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, env.Kind, t.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Send writes an envelope without waiting for a response.
func (t *Transport) Send(env *protocol.Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down. Every in-flight request fails
// immediately with ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pending = make(map[string]chan *protocol.Envelope)
	t.mu.Unlock()

	close(t.done)
	return t.ws.Close()
}

func (t *Transport) readLoop() {
	defer t.Close()

	for {
		_, msg, err := t.ws.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Debug("read loop ended", "error", err)
			}
			return
		}

		env, err := protocol.Decode(msg, 0)
		if err != nil {
			t.logger.Warn("bad envelope from server", "error", err)
			continue
		}

		if env.RequestID != "" {
			t.mu.Lock()
			ch, ok := t.pending[env.RequestID]
			if ok {
				delete(t.pending, env.RequestID)
			}
			t.mu.Unlock()
			if ok {
				ch <- env
			} else {
				// The waiter gave up; the window for this response is
				// over, it must not be applied.
				t.logger.Warn("late response dropped",
					"request_id", env.RequestID,
					"kind", env.Kind)
			}
			continue
		}

		if t.onPush != nil {
			t.onPush(env)
		}
	}
}
