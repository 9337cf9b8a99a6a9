package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbank-bot/internal/execution"
	"bitbank-bot/pkg/types"
)

// stubProvider returns canned engine snapshots.
type stubProvider struct {
	positions []types.VirtualPosition
	eval      types.TradeEvaluation
	state     types.DrawdownState
	ratio     float64
	history   []types.DrawdownSnapshot
	stats     execution.TradingStatistics
}

func (s *stubProvider) Mode() types.TradeMode                 { return types.ModePaper }
func (s *stubProvider) Pair() string                          { return "btc_jpy" }
func (s *stubProvider) LastEvaluation() types.TradeEvaluation { return s.eval }
func (s *stubProvider) Positions() []types.VirtualPosition    { return s.positions }
func (s *stubProvider) Statistics() execution.TradingStatistics {
	return s.stats
}
func (s *stubProvider) RiskState() (types.DrawdownState, float64, []types.DrawdownSnapshot) {
	return s.state, s.ratio, s.history
}

func testHandlers(p Provider) *Handlers {
	return NewHandlers(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	h := testHandlers(&stubProvider{
		eval:  types.TradeEvaluation{Decision: types.Approved, Side: types.ActionBuy, RiskScore: 0.1},
		stats: execution.TradingStatistics{ExecutedTrades: 3, VirtualBalance: 101000},
	})

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Mode != types.ModePaper || resp.Pair != "btc_jpy" {
		t.Errorf("mode/pair = %v/%v", resp.Mode, resp.Pair)
	}
	if resp.Statistics.ExecutedTrades != 3 {
		t.Errorf("executed trades = %d, want 3", resp.Statistics.ExecutedTrades)
	}
	if resp.LastEvaluation.Decision != types.Approved {
		t.Errorf("last evaluation = %+v", resp.LastEvaluation)
	}
}

func TestHandlePositionsEmptyIsArray(t *testing.T) {
	t.Parallel()
	h := testHandlers(&stubProvider{})

	rec := httptest.NewRecorder()
	h.HandlePositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want an empty JSON array", body)
	}
}

func TestHandlePositions(t *testing.T) {
	t.Parallel()
	h := testHandlers(&stubProvider{
		positions: []types.VirtualPosition{
			{OrderID: "e1", Side: types.ActionBuy, Amount: 0.01, TakeProfit: 14126000, StopLoss: 13902000},
		},
	})

	rec := httptest.NewRecorder()
	h.HandlePositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	var positions []types.VirtualPosition
	if err := json.NewDecoder(rec.Body).Decode(&positions); err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].OrderID != "e1" {
		t.Errorf("positions = %+v", positions)
	}
}

func TestHandleRisk(t *testing.T) {
	t.Parallel()
	h := testHandlers(&stubProvider{
		state: types.DrawdownState{
			CurrentBalance: 90000,
			PeakBalance:    100000,
			TradingStatus:  types.StatusActive,
		},
		ratio: 0.10,
		history: []types.DrawdownSnapshot{
			{Timestamp: time.Now(), CurrentBalance: 90000, PeakBalance: 100000, DrawdownRatio: 0.10},
		},
	})

	rec := httptest.NewRecorder()
	h.HandleRisk(rec, httptest.NewRequest(http.MethodGet, "/api/risk", nil))

	var resp RiskResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.DrawdownRatio != 0.10 || resp.State.TradingStatus != types.StatusActive {
		t.Errorf("risk response = %+v", resp)
	}
	if len(resp.History) != 1 {
		t.Errorf("history = %+v", resp.History)
	}
}

func TestHandlersRejectNonGet(t *testing.T) {
	t.Parallel()
	h := testHandlers(&stubProvider{})

	for path, fn := range map[string]http.HandlerFunc{
		"/api/status":    h.HandleStatus,
		"/api/positions": h.HandlePositions,
		"/api/risk":      h.HandleRisk,
	} {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s POST status = %d, want 405", path, rec.Code)
		}
	}
}
