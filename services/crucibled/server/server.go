package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crucible/core"
	"crucible/core/events"
	"crucible/services/crucibled/middleware"
)

const (
	requestLimit   = 1 << 20 // 1 MiB
	requestTimeout = 10 * time.Second
)

// EventStore answers historical event queries.
type EventStore interface {
	Query(ctx context.Context, after uint64, eventType string, limit int) ([]events.Envelope, error)
}

// PriceSetter accepts operator price updates.
type PriceSetter interface {
	Set(feedID string, price uint64)
}

// Config wires the server to its collaborators. Protocol and Recorder are
// required; the rest are optional.
type Config struct {
	Protocol *core.Protocol
	Recorder *events.Recorder
	Events   EventStore
	Prices   PriceSetter
	Auth     *middleware.Authenticator
	Limiter  *middleware.RateLimiter
	Logger   *slog.Logger
}

// Server exposes the protocol over JSON HTTP and a websocket event stream.
type Server struct {
	protocol *core.Protocol
	recorder *events.Recorder
	events   EventStore
	prices   PriceSetter
	auth     *middleware.Authenticator
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
	router   chi.Router
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Protocol == nil {
		return nil, errors.New("protocol required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("event recorder required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil, logger)
	}
	s := &Server{
		protocol: cfg.Protocol,
		recorder: cfg.Recorder,
		events:   cfg.Events,
		prices:   cfg.Prices,
		auth:     auth,
		limiter:  limiter,
		logger:   logger.With("component", "http"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "crucibled")
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Observe(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/vault", s.handleGetVault)
		r.Get("/market", s.handleGetMarket)
		r.Get("/positions/{id}", s.handleGetPosition)
		r.Get("/positions/{id}/health", s.handleGetHealth)
		r.Get("/accounts/{account}/positions", s.handleAccountPositions)
		r.Get("/accounts/{account}/balances/{asset}", s.handleAccountBalance)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)

			vault := r.With(s.limiter.Middleware(core.ModuleVault))
			vault.Post("/vault/mint", s.handleMint)
			vault.Post("/vault/burn", s.handleBurn)
			vault.Post("/vault/fees", s.handleDepositFees)

			lending := r.With(s.limiter.Middleware(core.ModuleLending))
			lending.Post("/market/supply", s.handleSupply)
			lending.Post("/market/withdraw", s.handleWithdraw)
			lending.Post("/market/borrow", s.handleBorrow)
			lending.Post("/market/repay", s.handleRepay)

			leverage := r.With(s.limiter.Middleware(core.ModuleLeverage))
			leverage.Post("/positions", s.handleOpenPosition)
			leverage.Post("/positions/{id}/close", s.handleClosePosition)

			r.With(s.limiter.Middleware(core.ModuleLiquidation)).Post("/positions/{id}/liquidate", s.handleLiquidate)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.auth.RequireAdmin)
				r.Get("/pauses", s.handleGetPauses)
				r.Post("/pauses", s.handleSetPause)
				r.Post("/vault/pause", s.handleVaultPause)
				r.Post("/market/accrue", s.handleAccrue)
				r.Post("/market/pause/propose", s.handleProposeMarketPause)
				r.Post("/market/pause/execute", s.handleExecuteMarketPause)
				r.Post("/market/unpause", s.handleUnpauseMarket)
				r.Post("/oracle/prices", s.handleSetPrice)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"paused": s.protocol.Pauses().Paused(),
	})
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestTimeout)
}
