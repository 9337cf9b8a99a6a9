// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems and runs the trading cycle:
//
//  1. Poller refreshes candle windows for every configured timeframe.
//  2. Strategies evaluate the windows; the Fuser merges their signals.
//  3. Evaluator gates the fused signal through drawdown, anomaly and
//     Kelly-sizing checks.
//  4. Service executes approved entries (backtest, paper or live).
//  5. The TP/SL manager and restorer run their maintenance passes.
//
// Every cycle runs the full pipeline sequentially; maintenance tasks
// self-rate-limit internally, so calling them each cycle is cheap.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/internal/execution"
	"bitbank-bot/internal/market"
	"bitbank-bot/internal/risk"
	"bitbank-bot/internal/store"
	"bitbank-bot/internal/strategy"
	"bitbank-bot/pkg/types"
)

// Engine owns the lifecycle of every component and the cycle loop.
type Engine struct {
	cfg    *config.Config
	api    exchange.API
	poller *market.Poller

	strategies []strategy.Strategy
	fuser      *strategy.Fuser
	predictor  strategy.MLPredictor

	evaluator *risk.Evaluator
	drawdown  *risk.DrawdownManager
	sizer     *risk.PositionSizer

	tracker  *execution.Tracker
	service  *execution.Service
	tpsl     *execution.TPSLManager
	restorer *execution.PositionRestorer

	feed   *exchange.TickerFeed // nil unless realtime is enabled
	store  *store.Store
	logger *slog.Logger

	// Dashboard-visible state, snapshotted at the end of every cycle so
	// HTTP handlers never read the live structures the cycle mutates.
	mu            sync.RWMutex
	lastEval      types.TradeEvaluation
	lastPositions []types.VirtualPosition
	lastStats     execution.TradingStatistics
	lastRisk      types.DrawdownState
	lastRatio     float64
	lastSnapshots []types.DrawdownSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Backtest mode swaps the
// real exchange client for an in-memory one so no network is touched.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var api exchange.API
	if cfg.Mode == types.ModeBacktest {
		api = exchange.NewMock(cfg.Trading.ReferencePrice)
	} else {
		api = exchange.NewClient(cfg.API, logger)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	pair := cfg.Trading.CurrencyPair
	poller := market.NewPoller(api, cfg.Market, pair, logger)

	fuser := strategy.NewFuser(logger)
	strategies := []strategy.Strategy{strategy.NewMomentum(logger)}
	predictor := strategy.NewEnsembleStub(fuser, strategies)

	drawdown := risk.NewDrawdownManager(cfg.Risk, st, cfg.Trading.InitialBalance, logger)
	anomaly := risk.NewAnomalyDetector(cfg.Anomaly, logger)
	sizer := risk.NewPositionSizer(cfg.Risk, cfg.Position.MinTradeSize, logger)
	evaluator := risk.NewEvaluator(cfg.Risk, drawdown, anomaly, sizer, logger)

	tracker := execution.NewTracker(logger)
	tpsl := execution.NewTPSLManager(api, cfg.Position, cfg.TPSL, pair, tracker, st, logger)
	restorer := execution.NewPositionRestorer(api, cfg.TPSL, pair, tracker, tpsl, st, logger)
	decider := execution.NewDecider(cfg.Execution, cfg.Trading.DefaultOrderType, pair, api, logger)
	service := execution.NewService(api, cfg.Mode, cfg.Trading, cfg.Position, decider, tpsl, tracker, logger)
	service.SetOrderBudgetHook(restorer.ForceCleanup)

	var feed *exchange.TickerFeed
	if cfg.Realtime.Enabled && cfg.Mode != types.ModeBacktest {
		feed = exchange.NewTickerFeed(cfg.Realtime.URL, pair, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		api:        api,
		poller:     poller,
		strategies: strategies,
		fuser:      fuser,
		predictor:  predictor,
		evaluator:  evaluator,
		drawdown:   drawdown,
		sizer:      sizer,
		tracker:    tracker,
		service:    service,
		tpsl:       tpsl,
		restorer:   restorer,
		feed:       feed,
		store:      st,
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start runs the startup recovery sequence and launches the cycle loop.
func (e *Engine) Start() error {
	if e.cfg.Mode == types.ModeLive {
		if err := e.restorer.SweepOrphanSLs(e.ctx); err != nil {
			e.logger.Warn("orphan sl sweep failed", "error", err)
		}
		if err := e.restorer.RestoreAtStartup(e.ctx); err != nil {
			e.logger.Warn("startup restore failed", "error", err)
		}
		if balance, err := e.liveBalance(e.ctx); err == nil {
			e.drawdown.InitializeBalance(balance)
		} else {
			e.logger.Warn("initial balance fetch failed", "error", err)
		}
	}

	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("ticker feed error", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()

	e.logger.Info("engine started",
		"mode", e.cfg.Mode,
		"pair", e.cfg.Trading.CurrencyPair,
		"cycle_interval", e.cfg.Trading.CycleInterval,
	)
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// loop runs one cycle per tick. A cycle always completes once started;
// cancellation is only observed between cycles.
func (e *Engine) loop() {
	ticker := time.NewTicker(e.cfg.Trading.CycleInterval)
	defer ticker.Stop()

	e.runCycle()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// runCycle executes the full pipeline: market data, signal fusion, risk
// evaluation, execution, then the maintenance passes.
func (e *Engine) runCycle() {
	// The process only exits on an explicit shutdown signal; a broken
	// cycle is logged and the next tick starts fresh.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("CRITICAL: cycle panicked", "panic", r)
		}
	}()

	ctx := context.Background() // a started cycle runs to completion
	start := time.Now()

	e.poller.Poll(ctx)
	windows := e.poller.Latest()

	ticker, latency, err := e.currentTicker(ctx)
	if err != nil {
		e.logger.Warn("cycle skipped, no ticker", "error", err)
		return
	}

	balance := e.currentBalance(ctx)

	signals := make([]types.Signal, 0, len(e.strategies))
	for _, s := range e.strategies {
		sig, err := s.Evaluate(ctx, windows, ticker)
		if err != nil {
			e.logger.Warn("strategy failed", "strategy", s.Name(), "error", err)
			continue
		}
		signals = append(signals, sig)
	}
	fused := e.fuser.Fuse(signals)

	ml, err := e.predictor.Predict(ctx, windows, ticker)
	if err != nil {
		e.logger.Warn("prediction failed", "error", err)
		ml = types.MLPrediction{Action: types.ActionHold}
	}

	eval := e.evaluator.EvaluateTradeOpportunity(ml, fused, windows, balance, ticker.Bid, ticker.Ask(), latency)
	eval.EntryPrice = ticker.Last

	if eval.Tradeable() {
		res := e.service.ExecuteTrade(ctx, &eval, windows)
		if res.Status != types.StatusCancelled {
			e.logger.Info("entry attempt finished",
				"success", res.Success,
				"status", res.Status,
				"order_id", res.OrderID,
				"side", res.Side,
				"amount", res.Amount,
				"price", res.Price,
				"error", res.ErrorMessage,
			)
		}
	} else if len(eval.DenialReasons) > 0 {
		e.logger.Info("entry denied", "reasons", eval.DenialReasons, "risk_score", eval.RiskScore)
	}

	// Maintenance passes. Backtest and paper runs have no real positions
	// or orders to reconcile, so the private-API passes are live only.
	if e.cfg.Mode == types.ModeLive {
		e.settleClosedPositions(ctx, ticker.Last)
		e.tpsl.ProcessPendingVerifications(ctx)
		e.tpsl.PeriodicCheck(ctx)
		e.restorer.ScanOrphanPositions(ctx)
		e.restorer.CleanupOldUnfilledOrders(ctx)
	}

	e.snapshot(eval)
	e.logger.Debug("cycle complete", "elapsed", time.Since(start))
}

// settleClosedPositions retires virtual positions whose exchange
// position vanished and feeds each closed trade into the loss streak,
// the Kelly history and the session ledger.
func (e *Engine) settleClosedPositions(ctx context.Context, lastPrice float64) {
	results, err := e.tpsl.ReconcileClosed(ctx, lastPrice)
	if err != nil {
		e.logger.Warn("closed-position reconcile failed", "error", err)
		return
	}
	for _, r := range results {
		e.drawdown.RecordTradeResult(r.PnL, r.Strategy)
		e.sizer.AddResult(r)
		e.service.RecordPnL(r.PnL)
	}
}

// snapshot publishes the cycle's outcome for concurrent readers.
func (e *Engine) snapshot(eval types.TradeEvaluation) {
	positions := e.tracker.Positions()
	stats := e.service.Statistics()
	state, ratio, snaps := e.drawdown.State(), e.drawdown.DrawdownRatio(), e.drawdown.Snapshots()

	e.mu.Lock()
	e.lastEval = eval
	e.lastPositions = positions
	e.lastStats = stats
	e.lastRisk = state
	e.lastRatio = ratio
	e.lastSnapshots = snaps
	e.mu.Unlock()
}

// currentTicker prefers the websocket feed's snapshot and falls back to
// REST. Latency is how long the quote took to obtain; a fresh feed value
// counts as instant.
func (e *Engine) currentTicker(ctx context.Context) (types.Ticker, time.Duration, error) {
	if e.feed != nil {
		if tk, ok := e.feed.Latest(); ok {
			return tk, 0, nil
		}
	}
	start := time.Now()
	tk, err := e.api.FetchTicker(ctx, e.cfg.Trading.CurrencyPair)
	if err != nil {
		return types.Ticker{}, 0, err
	}
	return tk, time.Since(start), nil
}

// currentBalance is the live JPY balance, or the simulated equity in
// paper and backtest runs.
func (e *Engine) currentBalance(ctx context.Context) float64 {
	if e.cfg.Mode != types.ModeLive {
		return e.service.VirtualBalance()
	}
	balance, err := e.liveBalance(ctx)
	if err != nil {
		e.logger.Warn("balance fetch failed, reusing drawdown state", "error", err)
		return e.drawdown.State().CurrentBalance
	}
	return balance
}

func (e *Engine) liveBalance(ctx context.Context) (float64, error) {
	balances, err := e.api.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	jpy, ok := balances["jpy"]
	if !ok {
		return 0, fmt.Errorf("no jpy balance in response")
	}
	return jpy.Total, nil
}

// LastEvaluation returns the most recent cycle's risk verdict.
func (e *Engine) LastEvaluation() types.TradeEvaluation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastEval
}

// Positions returns the position mirror as of the last completed cycle.
func (e *Engine) Positions() []types.VirtualPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastPositions
}

// Statistics returns the execution counters as of the last cycle.
func (e *Engine) Statistics() execution.TradingStatistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastStats
}

// RiskState summarizes the drawdown FSM as of the last cycle.
func (e *Engine) RiskState() (types.DrawdownState, float64, []types.DrawdownSnapshot) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRisk, e.lastRatio, e.lastSnapshots
}

// Mode returns the configured trade mode.
func (e *Engine) Mode() types.TradeMode { return e.cfg.Mode }

// Pair returns the configured currency pair.
func (e *Engine) Pair() string { return e.cfg.Trading.CurrencyPair }
