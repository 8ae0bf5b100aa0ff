// Package server exposes the engine's five operations over HTTP, plus a
// health endpoint and a websocket stream of freshly materialized rows.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/timeline/internal/timeline/engine"
	"github.com/aristath/timeline/internal/timeline/granularity"
	"github.com/aristath/timeline/internal/timeline/health"
)

// Config holds server configuration.
type Config struct {
	Port          int
	Engine        *engine.Engine
	Granularities []granularity.Granularity
	Health        *health.Checker
	Hub           *Hub
	Log           zerolog.Logger
	DevMode       bool
}

// Server is the HTTP server exposing the timeline engine.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New creates a Server ready to Start.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes(cfg Config) {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := cfg.Health.Check(r.Context())
		status := http.StatusOK
		if report.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		render(w, r, status, report)
	})

	if cfg.Hub != nil {
		s.router.Get("/v1/stream", cfg.Hub.ServeHTTP)
	}

	s.router.Route("/v1", func(r chi.Router) {
		h := NewHandlers(cfg.Engine, cfg.Granularities, cfg.Log)

		r.Post("/price-updates", h.HandleAppendPriceUpdates)
		r.Post("/cashflows", h.HandleAppendCashflows)
		r.Post("/refresh", h.HandleRefresh)
		r.Get("/users/{user_id}/timeline/{granularity}", h.HandleUserTimeline)
		r.Get("/users/{user_id}/products/{product_id}/timeline/{granularity}", h.HandleUserProductTimeline)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
