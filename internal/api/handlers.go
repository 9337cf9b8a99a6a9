package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"bitbank-bot/internal/execution"
	"bitbank-bot/pkg/types"
)

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Mode           types.TradeMode             `json:"mode"`
	Pair           string                      `json:"pair"`
	Timestamp      time.Time                   `json:"timestamp"`
	Statistics     execution.TradingStatistics `json:"statistics"`
	LastEvaluation types.TradeEvaluation       `json:"last_evaluation"`
}

// RiskResponse is the /api/risk payload.
type RiskResponse struct {
	State         types.DrawdownState      `json:"state"`
	DrawdownRatio float64                  `json:"drawdown_ratio"`
	History       []types.DrawdownSnapshot `json:"history"`
}

// Handlers holds the HTTP handler set.
type Handlers struct {
	provider Provider
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(provider Provider, logger *slog.Logger) *Handlers {
	return &Handlers{provider: provider, logger: logger.With("component", "api-handlers")}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus serves the mode, counters and last evaluation.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, StatusResponse{
		Mode:           h.provider.Mode(),
		Pair:           h.provider.Pair(),
		Timestamp:      time.Now(),
		Statistics:     h.provider.Statistics(),
		LastEvaluation: h.provider.LastEvaluation(),
	})
}

// HandlePositions serves the tracked position mirror.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	positions := h.provider.Positions()
	if positions == nil {
		positions = []types.VirtualPosition{}
	}
	h.writeJSON(w, positions)
}

// HandleRisk serves the drawdown FSM state and equity history.
func (h *Handlers) HandleRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state, ratio, history := h.provider.RiskState()
	if history == nil {
		history = []types.DrawdownSnapshot{}
	}
	h.writeJSON(w, RiskResponse{State: state, DrawdownRatio: ratio, History: history})
}
