package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tdoan35/velocity-sub008/pkg/auth"
	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/manager"
	"github.com/tdoan35/velocity-sub008/pkg/monitoring"
	"github.com/tdoan35/velocity-sub008/pkg/provider"
	"github.com/tdoan35/velocity-sub008/pkg/quota"
	"github.com/tdoan35/velocity-sub008/pkg/scheduler"
)

// Worst-case request budget: provider ready-wait plus API latency
const handlerTimeout = 90 * time.Second

// Server is the HTTP control plane. Everything except /api/health and
// /metrics requires a bearer token.
type Server struct {
	manager   *manager.Manager
	provider  provider.Provider
	quota     *quota.Engine
	bus       *monitoring.Bus
	scheduler *scheduler.Scheduler
	verifier  auth.Verifier
	metrics   *requestMetrics
	logger    zerolog.Logger

	router     chi.Router
	httpServer *http.Server
}

// New assembles the API server and its route tree
func New(m *manager.Manager, p provider.Provider, q *quota.Engine, bus *monitoring.Bus, sched *scheduler.Scheduler, verifier auth.Verifier) *Server {
	s := &Server{
		manager:   m,
		provider:  p,
		quota:     q,
		bus:       bus,
		scheduler: sched,
		verifier:  verifier,
		metrics:   newRequestMetrics(),
		logger:    log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(chimiddleware.Timeout(handlerTimeout))
	r.Use(s.metrics.instrument)

	// Public surface
	r.Get("/api/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/sessions/start", s.handleSessionStart)
		r.Post("/sessions/stop", s.handleSessionStop)
		r.Post("/sessions/cleanup", s.handleSessionCleanup)

		// Read endpoints share the general API rate limit
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitReads)

			r.Get("/sessions", s.handleSessionList)
			r.Get("/sessions/{id}/status", s.handleSessionStatus)
			r.Get("/machines", s.handleMachineList)
			r.Get("/machines/{id}/status", s.handleMachineStatus)

			r.Get("/monitoring/health", s.handleMonitoringHealth)
			r.Get("/monitoring/metrics", s.handleMonitoringMetrics)
			r.Get("/monitoring/events", s.handleMonitoringEvents)
			r.Get("/monitoring/alerts", s.handleMonitoringAlerts)
			r.Get("/monitoring/dashboard", s.handleMonitoringDashboard)
			r.Get("/monitoring/sessions", s.handleMonitoringSessions)
			r.Get("/monitoring/jobs", s.handleMonitoringJobs)
		})

		r.Post("/monitoring/alerts/{id}/resolve", s.handleAlertResolve)
		r.Post("/monitoring/jobs/{name}/run", s.handleJobRun)
	})

	return r
}

// Handler exposes the route tree for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on the given port until Shutdown
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: handlerTimeout + 5*time.Second,
	}

	s.logger.Info().Int("port", port).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth is the unauthenticated liveness probe
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics serves the domain gauges from the monitoring bus followed
// by the HTTP request metrics, in one Prometheus text response
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = io.WriteString(w, s.bus.ExportPrometheus())
	s.metrics.exportHandler.ServeHTTP(w, r)
}
