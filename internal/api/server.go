// SPDX-License-Identifier: MIT

// Package api exposes the task dispatch operations over HTTP. Every endpoint
// requires the shared X-API-Key secret and answers errors with a
// {"detail": ...} envelope.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annolab/taskbridge/internal/config"
	"github.com/annolab/taskbridge/internal/dispatch"
	"github.com/annolab/taskbridge/internal/health"
	"github.com/annolab/taskbridge/internal/log"
	"github.com/annolab/taskbridge/internal/media"
)

// Server wires the dispatcher, the streamer and the health manager into one
// router.
type Server struct {
	cfg      *config.AppConfig
	disp     *dispatch.Dispatcher
	streamer *media.Streamer
	healthMg *health.Manager
	ready    <-chan struct{}
	started  time.Time
}

// New creates the API server. ready gates the readiness probe on the first
// successful reconciliation.
func New(cfg *config.AppConfig, disp *dispatch.Dispatcher, streamer *media.Streamer, healthMg *health.Manager, ready <-chan struct{}) *Server {
	return &Server{cfg: cfg, disp: disp, streamer: streamer, healthMg: healthMg, ready: ready, started: time.Now()}
}

// Router builds the full middleware stack and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))
	r.Use(log.Middleware())
	r.Use(metricsMiddleware)

	// Probes stay unauthenticated for container orchestration.
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if s.cfg.MetricsListen == "" {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.APIKey))

		r.Get("/health", s.handleHealth)
		r.Post("/tasks/request", s.handleRequestTask)
		r.Post("/tasks/{taskID}/submit", s.handleSubmit)
		r.Post("/tasks/{taskID}/skip", s.handleSkip)
		r.Get("/tasks/available/count", s.handleAvailableCount)
		r.Get("/agents/{agentID}/stats", s.handleAgentStats)
		r.Get("/stats", s.handleSystemStats)
		r.Method(http.MethodGet, "/audio/stream/{taskID}/{agentID}", http.HandlerFunc(s.handleStream))
		r.Method(http.MethodHead, "/audio/stream/{taskID}/{agentID}", http.HandlerFunc(s.handleStream))
	})

	return r
}

// HTTPServer returns a production-configured http.Server for the router.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
