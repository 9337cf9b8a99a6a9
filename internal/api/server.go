// Package api serves the read-only status dashboard over HTTP.
//
// Endpoints:
//
//	GET /health         — liveness probe
//	GET /api/status     — mode, pair, last evaluation, trade counters
//	GET /api/positions  — the tracked position mirror
//	GET /api/risk       — drawdown FSM state and equity history
//
// The server only reads engine snapshots; it can never place or cancel
// orders.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/execution"
	"bitbank-bot/pkg/types"
)

// Provider is the engine surface the dashboard reads from.
type Provider interface {
	Mode() types.TradeMode
	Pair() string
	LastEvaluation() types.TradeEvaluation
	Positions() []types.VirtualPosition
	Statistics() execution.TradingStatistics
	RiskState() (types.DrawdownState, float64, []types.DrawdownSnapshot)
}

// Server runs the status HTTP server.
type Server struct {
	cfg      config.DashboardConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the status server.
func NewServer(cfg config.DashboardConfig, provider Provider, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/risk", handlers.HandleRisk)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
