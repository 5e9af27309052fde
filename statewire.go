// Package statewire provides the public API for the statewire
// component session framework.
//
// This is the recommended import for most applications:
//
//	import "github.com/statewire-dev/statewire"
//
// Usage:
//
//	app, err := statewire.New(statewire.Config{
//	    SigningKey: key,
//	})
//	app.Register(&statewire.Type{
//	    Name: "Counter",
//	    InitialState: func(props map[string]any) statewire.State {
//	        return statewire.State{"count": 0.0}
//	    },
//	    Actions: map[string]statewire.ActionHandler{
//	        "increment": func(ctx context.Context, state statewire.State, payload map[string]any) (statewire.Result, error) {
//	            state["count"] = state["count"].(float64) + 1
//	            return statewire.Mutate(state), nil
//	        },
//	    },
//	})
//	http.ListenAndServe(":8080", app)
package statewire

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/registry"
	"github.com/statewire-dev/statewire/pkg/server"
	"github.com/statewire-dev/statewire/pkg/signer"
	"github.com/statewire-dev/statewire/pkg/store"
)

// Re-exported component types, so simple applications need only this
// package.
type (
	// State is a component's schemaless state.
	State = component.State

	// Type declares a component: its initial state and actions.
	Type = component.Type

	// Result is what an action handler returns.
	Result = component.Result

	// ActionHandler handles one action dispatch.
	ActionHandler = component.ActionHandler
)

// Mutate builds a Result committing the new state.
func Mutate(newState State) Result { return component.Mutate(newState) }

// Reply builds a Result carrying a plain return value, leaving state
// untouched.
func Reply(v any) Result { return component.Reply(v) }

// Config configures an App.
type Config struct {
	// SigningKey signs state snapshots. Required; at least 32 bytes.
	// Every server that should accept each other's snapshots must
	// share it. Use signer.GenerateKey() for a fresh one.
	SigningKey []byte

	// Registry configures instance lifecycle: eviction grace,
	// staleness policy, persistence. Default: registry.DefaultConfig().
	Registry *registry.Config

	// Server configures the transport. Default: server.DefaultConfig().
	Server *server.Config

	// Store persists evicted instances. Shorthand for setting
	// Registry.Store.
	Store store.InstanceStore

	// Logger is the application logger. Default: slog.Default().
	Logger *slog.Logger
}

// App bundles the type table, registry, and transport into a single
// http.Handler.
type App struct {
	types    *component.Types
	registry *registry.Registry
	server   *server.Server
	handler  http.Handler
	logger   *slog.Logger
}

// New creates an App.
func New(cfg Config) (*App, error) {
	sig, err := signer.New(cfg.SigningKey)
	if err != nil {
		return nil, err
	}

	regCfg := cfg.Registry
	if regCfg == nil {
		regCfg = registry.DefaultConfig()
	}
	if cfg.Store != nil {
		regCfg = regCfg.Clone().WithStore(cfg.Store)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	types := component.NewTypes()
	reg := registry.New(types, regCfg, sig, logger)
	srv := server.New(reg, cfg.Server)
	srv.SetLogger(logger)

	return &App{
		types:    types,
		registry: reg,
		server:   srv,
		handler:  srv.Handler(),
		logger:   logger,
	}, nil
}

// Register declares a component type. Call before serving traffic.
func (a *App) Register(t *Type) error {
	return a.types.Register(t)
}

// Use appends a dispatch interceptor (see pkg/middleware). Call
// before serving traffic.
func (a *App) Use(i registry.DispatchInterceptor) {
	a.registry.Use(i)
}

// ServeHTTP implements http.Handler, serving the WebSocket endpoint
// and the health/stats surface.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// Registry returns the instance registry, for out-of-band broadcasts
// and stats.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Server returns the transport server.
func (a *App) Server() *server.Server {
	return a.server
}

// Run starts the server on the configured address and blocks until
// shutdown.
func (a *App) Run() error {
	return a.server.Run()
}

// Shutdown gracefully stops the app, persisting live instances when
// a store is configured.
func (a *App) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
