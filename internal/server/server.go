// Package server exposes the GradeRun REST API: course, assignment and
// extension administration, grading run requests, and the callback surface
// the external executor reports into.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/config"
	"github.com/me/graderun/internal/eligibility"
	"github.com/me/graderun/internal/grades"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/scheduler"
	"github.com/me/graderun/internal/store"
)

// Server is the GradeRun REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	scheduler *scheduler.Scheduler
	calc      *eligibility.Calculator
	grades    *grades.Service
	metrics   *metrics.Collector
	clk       clock.Clock
}

// New creates a Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, sched *scheduler.Scheduler, calc *eligibility.Calculator, svc *grades.Service, m *metrics.Collector, clk clock.Clock, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		scheduler: sched,
		calc:      calc,
		grades:    svc,
		metrics:   m,
		clk:       clk,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Courses and rosters
		r.Route("/courses", func(r chi.Router) {
			r.With(s.staffOnly).Post("/", s.handleCreateCourse)
			r.Route("/{courseID}", func(r chi.Router) {
				r.Get("/", s.handleGetCourse)
				r.With(s.staffOnly).Put("/", s.handleUpdateCourse)
				r.Get("/roster", s.handleGetRoster)
				r.With(s.staffOnly).Put("/roster", s.handleSetRoster)
			})
		})

		// Assignments
		r.Route("/assignments", func(r chi.Router) {
			r.Get("/", s.handleListAssignments)
			r.With(s.staffOnly).Post("/", s.handleCreateAssignment)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAssignment)
				r.With(s.staffOnly).Put("/", s.handleUpdateAssignment)
				r.With(s.staffOnly).Delete("/", s.handleDeleteAssignment)
				r.Get("/eligibility", s.handleEligibility)
				r.Get("/grades", s.handleListGrades)
			})
		})

		// Extensions
		r.Route("/extensions", func(r chi.Router) {
			r.With(s.staffOnly).Post("/", s.handleCreateExtension)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExtension)
				r.With(s.staffOnly).Delete("/", s.handleDeleteExtension)
			})
		})

		// Grading runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Put("/cancel", s.handleCancelRun)
			})
		})

		// Callback surface consumed by the external executor.
		r.Route("/callbacks/runs/{id}", func(r chi.Router) {
			r.Use(callbackAuthMiddleware(s.config.CallbackToken, s.logger))
			r.Post("/results", s.handleStageResult)
			r.Post("/complete", s.handleCompleteRun)
			r.Post("/status", s.handleReportStatus)
		})
	})
}
