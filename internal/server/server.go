// Package server provides the operational HTTP surface of the engine:
// health, account and ledger reads, plus the pause / kill / snapshot
// operator commands. There is no UI; every mutation lands in the ledger
// through the same paths the machines use.
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

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/database"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/ledger"
	"github.com/alluse/engine/internal/lifecycle"
	"github.com/alluse/engine/internal/protocol"
	"github.com/alluse/engine/internal/store"
)

// Config holds server configuration
type Config struct {
	Log          zerolog.Logger
	Port         int
	Store        *store.Store
	Ledger       *ledger.Ledger
	Protocol     *protocol.Engine
	Supervisor   *lifecycle.Supervisor
	Broker       domain.BrokerClient
	Bus          *events.Bus
	Clock        clock.Clock
	StateDB      *database.DB
	LedgerDB     *database.DB
	MarketDataDB *database.DB
}

// Server represents the HTTP server
type Server struct {
	router       *chi.Mux
	server       *http.Server
	log          zerolog.Logger
	store        *store.Store
	ledger       *ledger.Ledger
	protocol     *protocol.Engine
	supervisor   *lifecycle.Supervisor
	broker       domain.BrokerClient
	bus          *events.Bus
	clk          clock.Clock
	stateDB      *database.DB
	ledgerDB     *database.DB
	marketDataDB *database.DB
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		log:          cfg.Log.With().Str("component", "server").Logger(),
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		protocol:     cfg.Protocol,
		supervisor:   cfg.Supervisor,
		broker:       cfg.Broker,
		bus:          cfg.Bus,
		clk:          cfg.Clock,
		stateDB:      cfg.StateDB,
		ledgerDB:     cfg.LedgerDB,
		marketDataDB: cfg.MarketDataDB,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	logHandlers := NewLogHandlers(s.log)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Get("/{id}/week", s.handleAccountWeek)
			r.Post("/{id}/pause", s.handlePauseAccount)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/entries", s.handleLedgerEntries)
			r.Post("/snapshot", s.handleLedgerSnapshot)
		})

		r.Post("/kill", s.handleKill)

		if s.bus != nil {
			r.Get("/events/stream", NewEventsStreamHandler(s.bus, s.log).ServeHTTP)
		}

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", logHandlers.HandleGetLogs)
			r.Get("/errors", logHandlers.HandleGetErrors)
		})
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until shutdown
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
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
