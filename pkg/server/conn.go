package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/statewire-dev/statewire/pkg/protocol"
	"github.com/statewire-dev/statewire/pkg/registry"
)

// Conn is one client connection. It owns the WebSocket, runs the
// read loop, and implements registry.Sender for outbound delivery.
type Conn struct {
	id     string
	ws     *websocket.Conn
	reg    *registry.Registry
	config *ConnConfig
	logger *slog.Logger

	// writeMu serializes writes; gorilla/websocket allows only one
	// concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	onClose func(*Conn)
}

func newConn(ws *websocket.Conn, reg *registry.Registry, config *ConnConfig, logger *slog.Logger) *Conn {
	id := registry.NewInstanceID()
	return &Conn{
		id:     id,
		ws:     ws,
		reg:    reg,
		config: config,
		logger: logger.With("conn_id", id),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send delivers an envelope to the client. Implements registry.Sender.
func (c *Conn) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down and releases its subscriptions.
// Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.reg.CleanupConnection(c.id)
		c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
		c.logger.Debug("connection closed")
	})
}

// serve runs the read loop until the connection dies. It blocks.
func (c *Conn) serve() {
	defer c.Close()

	c.ws.SetReadLimit(c.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	go c.heartbeat()

	// Handshake ack: the client learns its connection id first.
	if err := c.Send(protocol.NewConnectionEstablished(c.id)); err != nil {
		c.logger.Error("handshake ack failed", "error", err)
		return
	}

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Error("read error", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		env, err := protocol.Decode(msg, c.config.MaxMessageSize)
		if err != nil {
			c.logger.Warn("bad envelope", "error", err)
			c.sendError("", protocol.CodeBadEnvelope, err.Error())
			continue
		}

		c.handle(env)
	}
}

// heartbeat pings the client on an interval so half-open connections
// are detected by the read deadline.
func (c *Conn) heartbeat() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// handle routes one inbound envelope. A failing operation answers
// with an ERROR envelope; nothing a client sends can crash the loop.
func (c *Conn) handle(env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", "kind", env.Kind, "panic", r, "stack", string(debug.Stack()))
			c.sendError(env.RequestID, protocol.CodeInternal, "internal error")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DispatchTimeout)
	defer cancel()

	switch env.Kind {
	case protocol.KindComponentMount:
		c.handleMount(ctx, env)
	case protocol.KindCallAction:
		c.handleCallAction(ctx, env)
	case protocol.KindComponentRehydrate:
		c.handleRehydrate(ctx, env)
	case protocol.KindComponentUnmount:
		c.handleUnmount(ctx, env)
	default:
		c.sendError(env.RequestID, protocol.CodeBadEnvelope, "unexpected kind: "+env.Kind.String())
	}
}

func (c *Conn) handleMount(ctx context.Context, env *protocol.Envelope) {
	res, err := c.reg.Mount(ctx, c.id,
		env.PayloadString(protocol.FieldComponent),
		env.PayloadMap(protocol.FieldProps),
		env.Room, env.UserID)
	if err != nil {
		c.logger.Warn("mount failed", "error", err)
		c.sendError(env.RequestID, registry.CodeFor(err), err.Error())
		return
	}

	resp := env.Response(protocol.KindStateUpdate)
	resp.InstanceID = res.InstanceID
	resp.Payload = map[string]any{
		protocol.FieldState:       map[string]any(res.State),
		protocol.FieldVersion:     res.Version,
		protocol.FieldSignedState: res.SignedState,
	}
	c.reply(resp)
}

func (c *Conn) handleCallAction(ctx context.Context, env *protocol.Envelope) {
	res, err := c.reg.DispatchFrom(ctx, c.id, env.InstanceID, env.Action, env.Payload)
	if err != nil {
		c.logger.Warn("action failed",
			"instance_id", env.InstanceID,
			"action", env.Action,
			"error", err)
		c.sendError(env.RequestID, registry.CodeFor(err), err.Error())
		return
	}

	if !env.IsRequest() {
		return
	}

	resp := env.Response(protocol.KindStateUpdate)
	resp.InstanceID = res.InstanceID
	resp.Payload = map[string]any{
		protocol.FieldState:       map[string]any(res.State),
		protocol.FieldVersion:     res.Version,
		protocol.FieldSignedState: res.SignedState,
	}
	if res.Reply != nil {
		resp.Result = map[string]any{"reply": res.Reply}
	}
	c.reply(resp)
}

func (c *Conn) handleRehydrate(ctx context.Context, env *protocol.Envelope) {
	res, err := c.reg.Rehydrate(ctx, c.id,
		env.PayloadString(protocol.FieldSignedState),
		env.Room, env.UserID)
	if err != nil {
		c.logger.Warn("rehydrate failed",
			"component", env.PayloadString(protocol.FieldComponentName),
			"error", err)
		c.sendError(env.RequestID, registry.CodeFor(err), err.Error())
		return
	}

	resp := env.Response(protocol.KindStateRehydrated)
	resp.InstanceID = res.InstanceID
	resp.Payload = map[string]any{
		protocol.FieldState:       map[string]any(res.State),
		protocol.FieldVersion:     res.Version,
		protocol.FieldSignedState: res.SignedState,
	}
	resp.Result = map[string]any{protocol.FieldNewInstanceID: res.InstanceID}
	c.reply(resp)
}

func (c *Conn) handleUnmount(ctx context.Context, env *protocol.Envelope) {
	if err := c.reg.Unmount(ctx, c.id, env.InstanceID); err != nil {
		c.logger.Debug("unmount failed", "instance_id", env.InstanceID, "error", err)
		c.sendError(env.RequestID, registry.CodeFor(err), err.Error())
		return
	}

	if env.IsRequest() {
		c.reply(env.Response(protocol.KindComponentUnmount))
	}
}

func (c *Conn) reply(env *protocol.Envelope) {
	if err := c.Send(env); err != nil {
		c.logger.Warn("reply dropped", "kind", env.Kind, "error", err)
	}
}

func (c *Conn) sendError(requestID string, code protocol.ErrorCode, message string) {
	if err := c.Send(protocol.NewErrorEnvelope(requestID, code, message)); err != nil {
		c.logger.Warn("error report dropped", "error", err)
	}
}
