package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/reporting"
	"github.com/opensource-finance/kestrel/internal/reprocess"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Dependencies are the components the HTTP surface drives.
type Dependencies struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Evaluator *evaluator.Evaluator
	Reports   *reporting.Service
	Scheduler *reprocess.Scheduler
	Metrics   *telemetry.Metrics

	// RuleSetPath is re-read on reload. Empty reloads the embedded default.
	RuleSetPath string

	// MetricsPath mounts the Prometheus handler. Empty disables it.
	MetricsPath string

	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	if deps.MetricsPath != "" {
		router.Method(http.MethodGet, deps.MetricsPath, deps.Metrics.Handler())
	}

	router.Route("/fraud", func(r chi.Router) {
		r.Get("/dashboard", handler.Dashboard)
		r.Get("/heatmap", handler.Heatmap)
		r.Get("/top-drivers", handler.TopDrivers)

		r.Get("/events", handler.ListEvents)
		r.Get("/events/{id}", handler.GetEvent)
		r.Patch("/events/{id}/status", handler.UpdateEventStatus)

		r.Get("/reprocess/preview", handler.PreviewReprocess)
		r.Post("/reprocess", handler.StartReprocess)
		r.Get("/reprocess/status", handler.ReprocessStatus)
		r.Post("/reprocess/stop", handler.StopReprocess)
		r.Get("/reprocess/failures", handler.ReprocessFailures)

		r.Get("/config", handler.GetRuleSet)
		r.Post("/config/reload", handler.ReloadRuleSet)
	})

	router.Post("/shifts/{id}/evaluate", handler.EvaluateShift)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
