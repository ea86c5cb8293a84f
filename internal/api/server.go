// Package api provides the REST API server for the dealer sync service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/dealgate/dealer-sync-server/internal/api/v1"
	"github.com/dealgate/dealer-sync-server/internal/logger"
	"github.com/dealgate/dealer-sync-server/internal/orchestrator"
	"github.com/dealgate/dealer-sync-server/internal/process"
	"github.com/dealgate/dealer-sync-server/internal/runs"
)

// ReadinessChecker reports whether the server's backing stores are reachable.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares     []func(http.Handler) http.Handler
	metricsEndpoint bool
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsEndpoint exposes the Prometheus scrape endpoint at /metrics.
func WithMetricsEndpoint() ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsEndpoint = true
	}
}

// NewServer creates and configures the HTTP router
func NewServer(
	orch *orchestrator.Orchestrator,
	runStore runs.Store,
	registry process.Registry,
	readiness ReadinessChecker,
	opts ...ServerOption,
) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	// Health check routes at root
	r.Mount("/", HealthRouter(readiness))

	if cfg.metricsEndpoint {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Mount("/api/v1", v1.Router(orch, runStore, registry))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debugf("HTTP %s %s %d %s %s",
			r.Method,
			r.URL.Path,
			ww.Status(),
			time.Since(start),
			middleware.GetReqID(r.Context()),
		)
	})
}
