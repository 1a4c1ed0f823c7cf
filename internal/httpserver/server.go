package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/taskboard-billing/backend/internal/config"
	"github.com/PortNumber53/taskboard-billing/backend/internal/handlers"
	requesttracking "github.com/PortNumber53/taskboard-billing/backend/internal/middleware"
	"github.com/PortNumber53/taskboard-billing/backend/internal/worker"
)

// Deps are the collaborators the routes are built from. Nil handlers leave
// their routes unregistered.
type Deps struct {
	DB      handlers.Pinger
	Billing *handlers.BillingHandler
	Webhook *handlers.WebhookHandler
	Sweeper *worker.Sweeper
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	sweeper    *worker.Sweeper
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requesttracking.RequestTracker)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB))
	router.Handle("/metrics", promhttp.Handler())

	if deps.Billing != nil {
		deps.Billing.RegisterRoutes(router)
	}
	if deps.Webhook != nil {
		deps.Webhook.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, sweeper: deps.Sweeper}
}

// Start begins serving HTTP traffic and starts the lapse sweeper.
func (s *Server) Start() error {
	if s.sweeper != nil {
		log.Info().Msg("starting lapse sweeper")
		s.sweeper.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweeper != nil {
		log.Info().Msg("shutting down lapse sweeper")
		if err := s.sweeper.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("sweeper shutdown error")
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
