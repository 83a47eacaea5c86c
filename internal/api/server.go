// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the local read and action API over the tracked
// submission state.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/voxtrack/internal/api/middleware"
	"github.com/ManuGH/voxtrack/internal/health"
	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/ManuGH/voxtrack/internal/reconcile"
)

// Tracker is the coordinator surface the API reads from and acts through.
type Tracker interface {
	Submissions() []model.Submission
	Lookup(ctx context.Context, id string) (model.Submission, error)
	Timeline(ctx context.Context, id string) ([]model.Event, error)
	Status() reconcile.Status
	Refresh(ctx context.Context) error
	Reprocess(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Config tunes the API surface.
type Config struct {
	Version string
	// ActionRateLimit is the per-client budget for action endpoints in
	// requests per minute; 0 disables the limit.
	ActionRateLimit int
	// TracingService names the otelhttp spans; empty disables tracing.
	TracingService string
}

// Server routes HTTP requests to the tracker.
type Server struct {
	cfg     Config
	tracker Tracker
	health  *health.Manager
	logger  zerolog.Logger
}

// New creates the API server. hm may be nil, which leaves /healthz and
// /readyz unrouted.
func New(cfg Config, tracker Tracker, hm *health.Manager) *Server {
	return &Server{
		cfg:     cfg,
		tracker: tracker,
		health:  hm,
		logger:  xglog.WithComponent("api"),
	}
}

// Handler returns the configured HTTP handler with all routes and middleware applied.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
		EnableRateLimit:       true,
	})

	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/submissions", s.handleListSubmissions)
		r.Get("/submissions/{id}", s.handleGetSubmission)
		r.Get("/submissions/{id}/events", s.handleTimeline)

		r.Group(func(r chi.Router) {
			r.Use(middleware.ActionRateLimit(s.cfg.ActionRateLimit))
			r.Post("/refresh", s.handleRefresh)
			r.Post("/submissions/{id}/reprocess", s.handleReprocess)
			r.Delete("/submissions/{id}", s.handleDelete)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
	})
	return r
}
