package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/internal/market"
	"bitbank-bot/pkg/types"
)

// insufficientMarginMsg mirrors the exchange-facing wording so operators
// grep one phrase across gate rejections and exchange errors.
const insufficientMarginMsg = "証拠金不足のため注文をスキップしました"

// TradingStatistics is the session-level counter snapshot.
type TradingStatistics struct {
	ExecutedTrades int       `json:"executed_trades"`
	LastOrderTime  time.Time `json:"last_order_time,omitempty"`
	VirtualBalance float64   `json:"virtual_balance"`
	SessionPnL     float64   `json:"session_pnl"`
}

// Service turns approved evaluations into orders. One of three backends
// runs per process: backtest (no network), paper (public data only), or
// live (real orders with the atomic TP/SL protocol).
type Service struct {
	api     exchange.API
	mode    types.TradeMode
	trading config.TradingConfig
	posCfg  config.PositionConfig
	decider *Decider
	tpsl    *TPSLManager
	tracker *Tracker
	logger  *slog.Logger

	orderBudget func(context.Context)

	orderSeq       int
	executedTrades int
	lastOrderTime  time.Time
	virtualBalance float64
	sessionPnL     float64
}

// SetOrderBudgetHook registers the stale-order cleanup invoked when the
// exchange rejects an entry for exceeding the per-pair order cap.
func (s *Service) SetOrderBudgetHook(fn func(context.Context)) { s.orderBudget = fn }

// NewService wires the execution service. The virtual balance starts at
// the configured initial balance and tracks paper/backtest fills.
func NewService(api exchange.API, mode types.TradeMode, trading config.TradingConfig, posCfg config.PositionConfig, decider *Decider, tpsl *TPSLManager, tracker *Tracker, logger *slog.Logger) *Service {
	return &Service{
		api:            api,
		mode:           mode,
		trading:        trading,
		posCfg:         posCfg,
		decider:        decider,
		tpsl:           tpsl,
		tracker:        tracker,
		logger:         logger.With("component", "execution"),
		virtualBalance: trading.InitialBalance,
	}
}

// ExecuteTrade runs one entry attempt. A hold evaluation is a successful
// no-op; everything else flows through sizing, the live margin gate, and
// the mode-specific backend.
func (s *Service) ExecuteTrade(ctx context.Context, eval *types.TradeEvaluation, windows market.Windows) types.ExecutionResult {
	if eval == nil || eval.Side == types.ActionHold || eval.Side == "" {
		return types.ExecutionResult{Success: true, Status: types.StatusCancelled}
	}

	amount := eval.PositionSize
	if s.posCfg.DynamicSizing && amount < s.posCfg.MinTradeSize {
		amount = s.posCfg.MinTradeSize
	}
	amount = quantizeAmount(amount)
	if amount <= 0 {
		return types.ExecutionResult{
			Success:      false,
			Status:       types.StatusRejected,
			Side:         eval.Side,
			ErrorMessage: fmt.Sprintf("position size %v quantizes to zero", eval.PositionSize),
		}
	}

	if s.mode == types.ModeLive {
		if ok, msg := s.marginSufficient(ctx, eval, amount); !ok {
			s.logger.Warn("entry rejected by margin gate", "side", eval.Side, "amount", amount, "reason", msg)
			return types.ExecutionResult{
				Success:      false,
				Status:       types.StatusRejected,
				Side:         eval.Side,
				Amount:       amount,
				ErrorMessage: msg,
			}
		}
	}

	switch s.mode {
	case types.ModeBacktest:
		return s.executeBacktest(eval, amount)
	case types.ModePaper:
		return s.executePaper(ctx, eval, amount)
	default:
		return s.executeLive(ctx, eval, amount, windows)
	}
}

// marginSufficient checks free JPY against the order's notional. Any
// fetch failure fails open with a rejection rather than an order the
// exchange would bounce anyway.
func (s *Service) marginSufficient(ctx context.Context, eval *types.TradeEvaluation, amount float64) (bool, string) {
	balances, err := s.api.FetchBalance(ctx)
	if err != nil {
		return false, fmt.Sprintf("%s (balance fetch failed: %v)", insufficientMarginMsg, err)
	}
	jpy, ok := balances["jpy"]
	if !ok {
		return false, fmt.Sprintf("%s (no jpy balance reported)", insufficientMarginMsg)
	}

	price := eval.MarketConditions.Ask
	if price <= 0 {
		price = eval.EntryPrice
	}
	if price <= 0 {
		price = s.trading.ReferencePrice
	}
	required := amount * price
	if jpy.Free < required {
		return false, fmt.Sprintf("%s (free=%.0f required=%.0f)", insufficientMarginMsg, jpy.Free, required)
	}
	return true, ""
}

func (s *Service) nextOrderID(prefix string) string {
	s.orderSeq++
	return fmt.Sprintf("%s_%d", prefix, s.orderSeq)
}

// executeBacktest fills instantly at the evaluation's entry price with no
// network access at all.
func (s *Service) executeBacktest(eval *types.TradeEvaluation, amount float64) types.ExecutionResult {
	price := eval.EntryPrice
	if price <= 0 {
		price = (eval.MarketConditions.Bid + eval.MarketConditions.Ask) / 2
	}
	if price <= 0 {
		price = s.trading.ReferencePrice
	}

	id := s.nextOrderID("backtest")
	s.recordEntry(id, eval, amount, price)
	return types.ExecutionResult{
		Success: true,
		Status:  types.StatusFilled,
		OrderID: id,
		Side:    eval.Side,
		Price:   price,
		Amount:  amount,
	}
}

// executePaper fills instantly at the best available reference price:
// the evaluation's entry price, then the public ticker, then the
// configured constant. Fees are zero.
func (s *Service) executePaper(ctx context.Context, eval *types.TradeEvaluation, amount float64) types.ExecutionResult {
	price := eval.EntryPrice
	if price <= 0 {
		if ticker, err := s.api.FetchTicker(ctx, s.trading.CurrencyPair); err == nil && ticker.Last > 0 {
			price = ticker.Last
		}
	}
	if price <= 0 {
		price = s.trading.ReferencePrice
	}

	id := s.nextOrderID("paper")
	s.recordEntry(id, eval, amount, price)
	return types.ExecutionResult{
		Success: true,
		Status:  types.StatusFilled,
		OrderID: id,
		Side:    eval.Side,
		Price:   price,
		Amount:  amount,
	}
}

// recordEntry registers the simulated position and bumps the counters.
func (s *Service) recordEntry(orderID string, eval *types.TradeEvaluation, amount, price float64) {
	s.tracker.Add(types.VirtualPosition{
		OrderID:    orderID,
		Side:       eval.Side,
		Amount:     amount,
		EntryPrice: price,
		Timestamp:  time.Now(),
		TakeProfit: eval.TakeProfit,
		StopLoss:   eval.StopLoss,
	})
	s.executedTrades++
	s.lastOrderTime = time.Now()
}

// executeLive runs the full atomic entry protocol: pre-entry cleanup,
// order-type selection, the entry order, then TP/SL attachment with
// rollback on failure.
func (s *Service) executeLive(ctx context.Context, eval *types.TradeEvaluation, amount float64, windows market.Windows) types.ExecutionResult {
	s.tpsl.PreEntryCleanup(ctx, eval.Side)

	plan := s.decider.GetOptimalExecutionConfig(ctx, eval)
	s.logger.Info("entry order",
		"side", eval.Side,
		"amount", amount,
		"order_type", plan.OrderType,
		"price", plan.Price,
		"strategy", plan.Label,
	)

	res, err := s.api.CreateOrder(ctx, types.OrderRequest{
		Symbol: s.trading.CurrencyPair,
		Side:   eval.Side,
		Type:   plan.OrderType,
		Amount: amount,
		Price:  plan.Price,
	})
	if err != nil {
		if exchange.IsInsufficientMargin(err) {
			return types.ExecutionResult{
				Success:      false,
				Status:       types.StatusRejected,
				Side:         eval.Side,
				Amount:       amount,
				ErrorMessage: err.Error(),
			}
		}
		if exchange.IsTooManyOrders(err) && s.orderBudget != nil {
			s.logger.Warn("order cap hit, running stale order cleanup")
			s.orderBudget(ctx)
		}
		return types.ExecutionResult{
			Success:      false,
			Status:       types.StatusFailed,
			Side:         eval.Side,
			Amount:       amount,
			ErrorMessage: fmt.Sprintf("entry order failed: %v", err),
		}
	}

	entryPrice := res.FilledPrice
	if entryPrice <= 0 {
		entryPrice = plan.Price
	}
	if entryPrice <= 0 {
		entryPrice = eval.MarketConditions.Ask
	}
	filledAmount := res.FilledAmount
	if filledAmount <= 0 {
		filledAmount = amount
	}

	if _, err := s.tpsl.AttachExits(ctx, res.ID, eval.Side, filledAmount, entryPrice, eval, windows); err != nil {
		if errors.Is(err, ErrEntryClosedAtMarket) {
			// The fill and its market close net out; no position remains.
			return types.ExecutionResult{
				Success:      true,
				Status:       types.StatusCancelled,
				OrderID:      res.ID,
				Side:         eval.Side,
				Price:        entryPrice,
				Amount:       filledAmount,
				ErrorMessage: err.Error(),
			}
		}
		return types.ExecutionResult{
			Success:      false,
			Status:       types.StatusFailed,
			OrderID:      res.ID,
			Side:         eval.Side,
			Price:        entryPrice,
			Amount:       filledAmount,
			ErrorMessage: fmt.Sprintf("entry rolled back: %v", err),
		}
	}

	s.executedTrades++
	s.lastOrderTime = time.Now()

	status := types.StatusFilled
	if plan.OrderType == types.OrderTypeLimit && res.FilledAmount < amount {
		status = types.StatusSubmitted
	}
	return types.ExecutionResult{
		Success: true,
		Status:  status,
		OrderID: res.ID,
		Side:    eval.Side,
		Price:   entryPrice,
		Amount:  filledAmount,
		Fee:     res.Fee,
	}
}

// RecordPnL folds a closed trade into the session counters.
func (s *Service) RecordPnL(pnl float64) {
	s.sessionPnL += pnl
	s.virtualBalance += pnl
}

// VirtualBalance returns the simulated equity.
func (s *Service) VirtualBalance() float64 { return s.virtualBalance }

// Statistics returns the session counter snapshot.
func (s *Service) Statistics() TradingStatistics {
	return TradingStatistics{
		ExecutedTrades: s.executedTrades,
		LastOrderTime:  s.lastOrderTime,
		VirtualBalance: s.virtualBalance,
		SessionPnL:     s.sessionPnL,
	}
}
