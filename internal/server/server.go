// Package server provides the manager's HTTP and WebSocket API: fleet
// control, alarm queries, system stats, Prometheus metrics, and 1:1
// delegation of trader ops over IPC.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
	"github.com/qtrader/qtrader/internal/metrics"
)

// Backend is what the server needs from the manager. An interface so route
// tests run against a fake fleet.
type Backend interface {
	Traders() []domain.TraderInfo
	StartTrader(accountID string) error
	StopTrader(accountID string) error
	RestartTrader(accountID string) error
	Request(accountID, op string, payload any, timeout time.Duration) (json.RawMessage, error)
	Alarms(accountID string, limit int) ([]*domain.Alarm, error)
	Engine() *events.Engine
}

// Server is the manager API.
type Server struct {
	cfg     config.APIConfig
	backend Backend
	metrics *metrics.Metrics
	hub     *wsHub
	log     zerolog.Logger

	router chi.Router
	server *http.Server
}

// New builds the router. Call Start to bind.
func New(cfg config.APIConfig, backend Backend, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		metrics: m,
		log:     log.With().Str("component", "api").Logger(),
		router:  chi.NewRouter(),
	}
	s.hub = newWSHub(backend.Engine(), m, s.log)
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", s.metrics.Handler().ServeHTTP)
	s.router.Get("/ws", s.hub.handleWS)

	s.router.Route("/api", func(r chi.Router) {
		// the websocket endpoint stays outside the timeout; everything
		// else gets one
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/traders", s.handleListTraders)
		r.Route("/traders/{accountID}", func(r chi.Router) {
			r.Post("/start", s.handleStartTrader)
			r.Post("/stop", s.handleStopTrader)
			r.Post("/restart", s.handleRestartTrader)
		})

		r.Get("/alarms", s.handleAlarms)
		r.Get("/system/stats", s.handleSystemStats)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			s.setupQueryRoutes(r)
			// every trader op, 1:1, body as the op payload
			r.Post("/ops/{op}", s.handleDelegateOp)
		})
	})
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("API server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes websocket clients, and drains
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("API server shutting down")
	s.hub.close()
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, routePattern(r), ww.Status(), elapsed)
		}
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// routePattern returns the chi route template so metrics cardinality stays
// bounded by the route table, not by account ids.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
