// Package frontend serves the admin API and the metrics endpoint. The
// surface is programmatic and small: list and toggle jobs, force a
// cycle or a fallback sync, inspect status.
package frontend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synapse-ops/synapse/internal/config"
	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/scheduler"
	"github.com/synapse-ops/synapse/internal/store"
)

// Syncer triggers fallback reconciliation on demand.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
	State() store.BreakerState
	InReducedMode() bool
	PendingFallback(ctx context.Context) int
}

// Server is the admin HTTP server.
type Server struct {
	cfg        *config.Config
	scheduler  *scheduler.Scheduler
	store      store.Store
	syncer     Syncer
	registry   *prometheus.Registry
	httpServer *http.Server
	listener   net.Listener
}

// Option is a functional option for the Server.
type Option func(*Server)

// WithListener sets a pre-bound listener, useful in tests to avoid port
// races.
func WithListener(l net.Listener) Option {
	return func(s *Server) { s.listener = l }
}

// WithMetricsRegistry attaches a Prometheus registry served at /metrics.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// NewServer constructs the admin server. The syncer may be nil when the
// store is not wrapped in the resilience layer.
func NewServer(cfg *config.Config, sched *scheduler.Scheduler, st store.Store, syncer Syncer, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		scheduler: sched,
		store:     st,
		syncer:    syncer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewMux()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/{owner}/{name}/enable", s.handleEnableJob)
		r.Post("/jobs/{owner}/{name}/disable", s.handleDisableJob)
		r.Post("/cycles", s.handleForceCycle)
		r.Get("/cycles/latest", s.handleLatestCycle)
		r.Post("/sync", s.handleForceSync)
		r.Get("/status", s.handleStatus)
		r.Get("/workers", s.handleListWorkers)
		r.Post("/workers/{id}/heartbeat", s.handleHeartbeat)
	})

	if s.registry != nil {
		r.Get("/metrics", promhttp.HandlerFor(
			s.registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	return r
}

// Serve runs the server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Server.Addr(),
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
	}

	listener := s.listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()
	logger.Info(ctx, "Admin server started", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info(ctx, "Admin server stopped")
	return nil
}
