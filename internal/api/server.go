// Package api assembles the HTTP server of the ingest service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/stacklok/toolhive-ingest/internal/api/v1"
	"github.com/stacklok/toolhive-ingest/internal/logger"
	"github.com/stacklok/toolhive-ingest/internal/progress"
)

// ReadinessFunc reports whether the service can take work
type ReadinessFunc func(ctx context.Context) error

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	readiness      ReadinessFunc
	metricsHandler http.Handler
	events         *progress.Broadcaster
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithReadiness sets the check behind /readiness
func WithReadiness(fn ReadinessFunc) ServerOption {
	return func(cfg *serverConfig) {
		cfg.readiness = fn
	}
}

// WithMetricsHandler serves h on /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// WithEvents enables the progress event streams
func WithEvents(b *progress.Broadcaster) ServerOption {
	return func(cfg *serverConfig) {
		cfg.events = b
	}
}

// NewServer creates the router for the pipeline service
func NewServer(svc v1.PipelineService, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", HealthRouter(cfg.readiness))
	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}
	r.Mount("/pipeline", v1.Router(svc, cfg.events))

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
