// Package api exposes the generation pipeline over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/thaitrn/musicgen-docker/internal/observability"
)

// RouterOptions selects optional routes
type RouterOptions struct {
	ServiceName    string
	MetricsEnabled bool
	Readiness      map[string]observability.HealthCheckFunc
}

// NewRouter mounts the service routes
func NewRouter(h *Handlers, opts RouterOptions, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, RequestLogger(logger), middleware.Recoverer)

	r.Get("/health", observability.HealthCheckHandler(opts.ServiceName))
	r.Get("/ready", observability.ReadinessHandler(opts.ServiceName, opts.Readiness))
	r.Get("/models", h.Models)
	r.Post("/generate", h.Generate)

	if opts.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
