// Package server is the WebSocket transport for the component
// session protocol. It upgrades connections, answers the handshake,
// and bridges inbound envelopes to the registry.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/statewire-dev/statewire/pkg/registry"
)

// Server is the HTTP/WebSocket server. It accepts connections,
// registers them with the registry, and serves the health and stats
// surface.
type Server struct {
	registry *registry.Registry
	config   *Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn

	httpServer *http.Server
	started    time.Time
}

// New creates a Server over the given registry.
func New(reg *registry.Registry, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
		config.fillDefaults()
	}

	return &Server{
		registry: reg,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger:  slog.Default().With("component", "server"),
		conns:   make(map[string]*Conn),
		started: time.Now(),
	}
}

// SetLogger sets the server logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger.With("component", "server")
}

// Registry returns the underlying registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Handler returns an http.Handler for mounting in external routers.
//
//	/statewire/ws     → WebSocket upgrade
//	/statewire/health → liveness probe
//	/statewire/stats  → registry statistics
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/statewire/ws", s.HandleWebSocket)
	r.Get("/statewire/health", s.handleHealth)
	r.Get("/statewire/stats", s.handleStats)
	return r
}

// HandleWebSocket upgrades the request and serves the connection
// until it closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 {
		s.mu.Lock()
		full := len(s.conns) >= s.config.MaxConnections
		s.mu.Unlock()
		if full {
			s.logger.Warn("connection rejected: limit reached", "limit", s.config.MaxConnections)
			http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(ws, s.registry, s.config.ConnConfig, s.logger)
	conn.onClose = s.dropConn

	if err := s.registry.RegisterConnection(conn); err != nil {
		s.logger.Warn("connection rejected", "error", err)
		ws.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	s.logger.Debug("connection accepted", "conn_id", conn.ID(), "remote", r.RemoteAddr)
	conn.serve()
}

func (s *Server) dropConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.Stats())
}

// Run starts the server and blocks until SIGINT/SIGTERM or a listen
// error, then shuts down gracefully.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil

	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every connection, persists live instances via the
// registry, and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	if err := s.registry.Shutdown(ctx); err != nil {
		s.logger.Error("registry shutdown error", "error", err)
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
