// Package server exposes the allocation engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/events"
	"github.com/selunlabs/selun-engine/internal/modules/payments"
	"github.com/selunlabs/selun-engine/internal/modules/pricing"
	"github.com/selunlabs/selun-engine/internal/modules/x402"
	"github.com/selunlabs/selun-engine/internal/orchestrator"
	"github.com/selunlabs/selun-engine/internal/scheduler"
)

// JobRunner is the orchestrator surface the routes depend on.
type JobRunner interface {
	RunPhase1(input domain.Phase1Input) error
	Status(jobID string) (*orchestrator.ExecutionStatus, error)
	StatusByWallet(address string) (*orchestrator.ExecutionStatus, error)
	Report(jobID string) (*orchestrator.Report, error)
}

// PaymentVerifier confirms an on-chain USDC transfer to the agent.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, payer string, expected *big.Int, txHash string) (*payments.Receipt, error)
}

// Config holds server wiring.
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool
	Network string
	DataDir string

	Orchestrator JobRunner
	Pricing      *pricing.Engine
	Gateway      PaymentVerifier // nil when no RPC endpoint is configured
	Store        *x402.Store
	Identity     *payments.IdentityManager
	Events       *events.Manager
	Scheduler    *scheduler.Scheduler
}

// Server is the HTTP front end.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	orchestrator   JobRunner
	pricing        *pricing.Engine
	gateway        PaymentVerifier
	store          *x402.Store
	identity       *payments.IdentityManager
	events         *events.Manager
	systemHandlers *SystemHandlers
	network        string
	now            func() time.Time
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		orchestrator:   cfg.Orchestrator,
		pricing:        cfg.Pricing,
		gateway:        cfg.Gateway,
		store:          cfg.Store,
		identity:       cfg.Identity,
		events:         cfg.Events,
		systemHandlers: NewSystemHandlers(cfg.Log, cfg.DataDir, cfg.Scheduler),
		network:        cfg.Network,
		now:            time.Now,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(120 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/agent", s.handleAgentChat)
		r.Post("/agent/pay", s.handleAgentPay)
		r.Post("/report/download", s.handleReportDownload)

		r.Route("/phases/status", func(r chi.Router) {
			r.Get("/{jobID}", s.handlePhaseStatus)
			r.Get("/wallet/{walletAddress}", s.handlePhaseStatusByWallet)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.systemHandlers.HandleSystemHealth)
			r.Get("/info", s.systemHandlers.HandleSystemInfo)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error envelope
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}
