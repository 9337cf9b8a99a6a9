package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitbank-bot/pkg/types"
)

// Mock is an in-memory API implementation for tests and backtests.
//
// Fixed fields (Ticker, Positions, ActiveOrders, ...) are returned as-is;
// the *Fn hooks override individual operations when a test needs scripted
// behavior (failures, counters, state transitions). Every call is recorded
// so tests can assert on what reached the exchange.
type Mock struct {
	mu sync.Mutex

	Ticker      types.Ticker
	TickerErr   error
	Depth       types.Depth
	DepthErr    error
	Candles     []types.Candle
	CandlesErr  error
	Balances    map[string]types.AssetBalance
	BalanceErr  error
	Positions   []types.MarginPosition
	PositionErr error
	Orders      []types.ActiveOrder
	OrdersErr   error

	CreateOrderFn func(req types.OrderRequest) (types.OrderResult, error)
	CreateTPFn    func(req TakeProfitRequest) (types.OrderResult, error)
	CreateSLFn    func(req StopLossRequest) (types.OrderResult, error)
	CancelFn      func(orderID string) (types.CancelStatus, error)

	nextID       int
	placedOrders []types.OrderRequest
	placedTPs    []TakeProfitRequest
	placedSLs    []StopLossRequest
	cancelled    []string
}

var _ API = (*Mock)(nil)

// NewMock creates a mock with a sane BTC/JPY market around the given price.
func NewMock(last float64) *Mock {
	return &Mock{
		Ticker: types.Ticker{
			Last:      last,
			Bid:       last - 500,
			Sell:      last + 500,
			Volume:    120,
			Timestamp: time.Now(),
		},
		Depth: types.Depth{
			Bids: []types.DepthLevel{{Price: last - 500, Amount: 0.5}},
			Asks: []types.DepthLevel{{Price: last + 500, Amount: 0.5}},
		},
		Balances: map[string]types.AssetBalance{
			"jpy": {Free: 100000, Total: 100000},
		},
	}
}

func (m *Mock) nextOrderID() string {
	m.nextID++
	return fmt.Sprintf("mock-%d", m.nextID)
}

func (m *Mock) FetchTicker(_ context.Context, _ string) (types.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Ticker, m.TickerErr
}

func (m *Mock) FetchDepth(_ context.Context, _ string) (types.Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Depth, m.DepthErr
}

func (m *Mock) FetchCandles(_ context.Context, _, _ string, _ time.Time) ([]types.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Candles, m.CandlesErr
}

func (m *Mock) FetchBalance(_ context.Context) (map[string]types.AssetBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balances, m.BalanceErr
}

func (m *Mock) FetchMarginPositions(_ context.Context, _ string) ([]types.MarginPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.MarginPosition, len(m.Positions))
	copy(out, m.Positions)
	return out, m.PositionErr
}

func (m *Mock) FetchActiveOrders(_ context.Context, _ string, _ int) ([]types.ActiveOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ActiveOrder, len(m.Orders))
	copy(out, m.Orders)
	return out, m.OrdersErr
}

func (m *Mock) CreateOrder(_ context.Context, req types.OrderRequest) (types.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placedOrders = append(m.placedOrders, req)

	if m.CreateOrderFn != nil {
		return m.CreateOrderFn(req)
	}

	// Default: market orders fill at the ticker, limit orders rest.
	res := types.OrderResult{
		ID:     m.nextOrderID(),
		Amount: req.Amount,
		Price:  req.Price,
	}
	if req.Type == types.OrderTypeMarket {
		res.FilledPrice = m.Ticker.Last
		res.FilledAmount = req.Amount
		res.Status = "FULLY_FILLED"
	} else {
		res.Status = "UNFILLED"
	}
	return res, nil
}

func (m *Mock) CreateTakeProfitOrder(_ context.Context, req TakeProfitRequest) (types.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placedTPs = append(m.placedTPs, req)

	if m.CreateTPFn != nil {
		return m.CreateTPFn(req)
	}
	return types.OrderResult{ID: m.nextOrderID(), Price: req.TakeProfitPrice, Amount: req.Amount, Status: "UNFILLED"}, nil
}

func (m *Mock) CreateStopLossOrder(_ context.Context, req StopLossRequest) (types.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placedSLs = append(m.placedSLs, req)

	if m.CreateSLFn != nil {
		return m.CreateSLFn(req)
	}
	return types.OrderResult{ID: m.nextOrderID(), TriggerPrice: req.StopLossPrice, Amount: req.Amount, Status: "UNFILLED"}, nil
}

func (m *Mock) CancelOrder(_ context.Context, orderID, _ string) (types.CancelStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)

	if m.CancelFn != nil {
		return m.CancelFn(orderID)
	}
	return types.CancelledUnfilled, nil
}

// PlacedOrders returns every entry/market order request seen.
func (m *Mock) PlacedOrders() []types.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.OrderRequest, len(m.placedOrders))
	copy(out, m.placedOrders)
	return out
}

// PlacedTPs returns every take-profit request seen.
func (m *Mock) PlacedTPs() []TakeProfitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TakeProfitRequest, len(m.placedTPs))
	copy(out, m.placedTPs)
	return out
}

// PlacedSLs returns every stop-loss request seen.
func (m *Mock) PlacedSLs() []StopLossRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StopLossRequest, len(m.placedSLs))
	copy(out, m.placedSLs)
	return out
}

// Cancelled returns every order id a cancel was attempted for.
func (m *Mock) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}
