package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/statewire-dev/statewire/pkg/component"
	"github.com/statewire-dev/statewire/pkg/middleware"
	"github.com/statewire-dev/statewire/pkg/registry"
	"github.com/statewire-dev/statewire/pkg/server"
	"github.com/statewire-dev/statewire/pkg/signer"
	"github.com/statewire-dev/statewire/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		addr           string
		signingKey     string
		evictionGrace  time.Duration
		maxConnections int
		enableMetrics  bool
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a statewire server with the demo Counter component",
		Long: `Start the statewire server.

The server registers a demo Counter component, serves the
WebSocket endpoint at /statewire/ws, and exposes health, stats,
and Prometheus metrics.

The signing key protects state snapshots; every server instance
that should accept each other's snapshots must share it. Pass it
as 64 hex characters via --signing-key or STATEWIRE_SIGNING_KEY.
Without one, a random key is generated and snapshots do not
survive restarts.

Examples:
  statewire serve
  statewire serve --addr=:9000 --eviction-grace=5m
  STATEWIRE_SIGNING_KEY=$(openssl rand -hex 32) statewire serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, signingKey, evictionGrace, maxConnections, enableMetrics, logLevel)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&signingKey, "signing-key", "", "Snapshot signing key, 64 hex chars (or STATEWIRE_SIGNING_KEY)")
	cmd.Flags().DurationVar(&evictionGrace, "eviction-grace", 2*time.Minute, "Grace period before evicting unsubscribed instances")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 0, "Maximum concurrent connections (0 = unlimited)")
	cmd.Flags().BoolVar(&enableMetrics, "metrics", true, "Expose Prometheus metrics at /metrics")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func runServe(addr, signingKey string, evictionGrace time.Duration, maxConnections int, enableMetrics bool, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	key, err := resolveSigningKey(signingKey, logger)
	if err != nil {
		return err
	}
	sig, err := signer.New(key)
	if err != nil {
		return err
	}

	st := store.NewMemoryStore()
	defer st.Close()

	types := component.NewTypes()
	if err := types.Register(counterComponent()); err != nil {
		return err
	}

	regCfg := registry.DefaultConfig().
		WithEvictionGrace(evictionGrace).
		WithStore(st)
	reg := registry.New(types, regCfg, sig, logger)

	if enableMetrics {
		reg.Use(middleware.Prometheus())
		prometheus.MustRegister(middleware.NewRegistryCollector(reg, "statewire"))
	}
	reg.Use(middleware.OpenTelemetry())

	srvCfg := server.DefaultConfig()
	srvCfg.Address = addr
	srvCfg.MaxConnections = maxConnections
	srv := server.New(reg, srvCfg)
	srv.SetLogger(logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if enableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Mount("/", srv.Handler())

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: srvCfg.ReadHeaderTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("statewire serving",
			"addr", addr,
			"eviction_grace", evictionGrace,
			"components", types.Names())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil

	case <-shutdown:
		logger.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return httpSrv.Shutdown(ctx)
	}
}

// counterComponent is the demo component: a shared counter with a
// configurable step.
func counterComponent() *component.Type {
	return &component.Type{
		Name: "Counter",
		InitialState: func(props map[string]any) component.State {
			step := 1.0
			if s, ok := props["step"].(float64); ok && s > 0 {
				step = s
			}
			return component.State{"count": 0.0, "step": step}
		},
		Actions: map[string]component.ActionHandler{
			"increment": func(ctx context.Context, state component.State, payload map[string]any) (component.Result, error) {
				state["count"] = state["count"].(float64) + state["step"].(float64)
				return component.Mutate(state), nil
			},
			"decrement": func(ctx context.Context, state component.State, payload map[string]any) (component.Result, error) {
				state["count"] = state["count"].(float64) - state["step"].(float64)
				return component.Mutate(state), nil
			},
			"reset": func(ctx context.Context, state component.State, payload map[string]any) (component.Result, error) {
				state["count"] = 0.0
				return component.Mutate(state), nil
			},
			"current": func(ctx context.Context, state component.State, payload map[string]any) (component.Result, error) {
				return component.Reply(state["count"]), nil
			},
		},
	}
}

func resolveSigningKey(flagValue string, logger *slog.Logger) ([]byte, error) {
	raw := flagValue
	if raw == "" {
		raw = os.Getenv("STATEWIRE_SIGNING_KEY")
	}
	if raw == "" {
		logger.Warn("no signing key configured, generating an ephemeral one; snapshots will not survive restarts")
		return signer.GenerateKey(), nil
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("signing key is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key too short: %d bytes, need at least 32", len(key))
	}
	return key, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
