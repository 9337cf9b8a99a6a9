// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — trade actions, signals,
// risk evaluations, virtual positions, and the Bitbank REST payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action is the normalized trade direction produced by strategies and ML.
// Parsing collapses the legacy "none"/""/"hold" spellings into Hold.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// ParseAction normalizes free-form action strings. Anything that is not a
// buy or a sell is a hold.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return ActionBuy
	case "sell", "short":
		return ActionSell
	default:
		return ActionHold
	}
}

// Opposite returns the exit side for an entry side. Hold maps to hold.
func (a Action) Opposite() Action {
	switch a {
	case ActionBuy:
		return ActionSell
	case ActionSell:
		return ActionBuy
	default:
		return ActionHold
	}
}

// PositionSide is the margin position direction as Bitbank reports it.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// EntrySide converts a reported position side to the entry Action that
// opened it (long positions are opened by buys).
func (p PositionSide) EntrySide() Action {
	if p == PositionShort {
		return ActionSell
	}
	return ActionBuy
}

// OrderType enumerates the Bitbank order types the bot places.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"       // trigger → market
	OrderTypeStopLimit OrderType = "stop_limit" // trigger → limit
)

// IsStop reports whether the order type is a trigger (stop-loss) order.
func (t OrderType) IsStop() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// TradeMode selects the execution backend.
type TradeMode string

const (
	ModeBacktest TradeMode = "backtest"
	ModePaper    TradeMode = "paper"
	ModeLive     TradeMode = "live"
)

// Decision is the outcome of a risk evaluation.
type Decision string

const (
	Approved    Decision = "APPROVED"
	Denied      Decision = "DENIED"
	Conditional Decision = "CONDITIONAL"
)

// ExecStatus describes what happened to an entry attempt.
type ExecStatus string

const (
	StatusFilled    ExecStatus = "FILLED"
	StatusSubmitted ExecStatus = "SUBMITTED" // resting limit order, not yet filled
	StatusCancelled ExecStatus = "CANCELLED" // hold signal, nothing to do
	StatusRejected  ExecStatus = "REJECTED"  // validation or gate failure, never sent
	StatusFailed    ExecStatus = "FAILED"    // sent but did not complete
)

// TradingStatus is the drawdown manager's FSM state. While the status is
// not Active, no new entries are placed (TP/SL management continues).
type TradingStatus string

const (
	StatusActive                TradingStatus = "ACTIVE"
	StatusPausedDrawdown        TradingStatus = "PAUSED_DRAWDOWN"
	StatusPausedConsecutiveLoss TradingStatus = "PAUSED_CONSECUTIVE_LOSS"
	StatusPausedManual          TradingStatus = "PAUSED_MANUAL"
)

// AlertLevel grades anomaly detector findings.
type AlertLevel string

const (
	LevelNormal   AlertLevel = "NORMAL"
	LevelWarning  AlertLevel = "WARNING"
	LevelCritical AlertLevel = "CRITICAL"
)

// ————————————————————————————————————————————————————————————————————————
// Signals and evaluations
// ————————————————————————————————————————————————————————————————————————

// Signal is the output shape of an external strategy generator.
type Signal struct {
	Action       Action  `json:"action"`
	Confidence   float64 `json:"confidence"` // [0, 1]
	StopLoss     float64 `json:"stop_loss,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	StrategyName string  `json:"strategy_name"`
}

// MLPrediction is the output shape of the external ML ensemble.
type MLPrediction struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"` // [0, 1]
}

// MarketConditions carries the market context a risk evaluation was made
// under. Named fields cover the documented keys; Extra holds any additional
// feature values the pipeline publishes (e.g. "volatility").
type MarketConditions struct {
	ATRCurrent float64            `json:"atr_current"`
	Regime     string             `json:"regime"`
	Bid        float64            `json:"bid"`
	Ask        float64            `json:"ask"`
	SpreadPct  float64            `json:"spread_pct"`
	Extra      map[string]float64 `json:"extra,omitempty"`
}

// TradeEvaluation is the risk evaluator's verdict on one opportunity.
// Created once per cycle and treated as immutable after creation; the
// execution service receives a value copy.
type TradeEvaluation struct {
	Decision            Decision         `json:"decision"`
	Side                Action           `json:"side"`
	RiskScore           float64          `json:"risk_score"` // [0, 1]
	PositionSize        float64          `json:"position_size"`
	StopLoss            float64          `json:"stop_loss"`
	TakeProfit          float64          `json:"take_profit"`
	ConfidenceLevel     float64          `json:"confidence_level"`
	KellyRecommendation float64          `json:"kelly_recommendation"`
	DrawdownStatus      TradingStatus    `json:"drawdown_status"`
	Warnings            []string         `json:"warnings,omitempty"`
	DenialReasons       []string         `json:"denial_reasons,omitempty"`
	MarketConditions    MarketConditions `json:"market_conditions"`
	EntryPrice          float64          `json:"entry_price,omitempty"`
	EmergencyExit       bool             `json:"emergency_exit,omitempty"`
}

// Tradeable reports whether the evaluation permits an entry attempt.
func (e *TradeEvaluation) Tradeable() bool {
	return e.Decision == Approved || e.Decision == Conditional
}

// ExecutionResult is what an entry attempt returned, whatever the mode.
type ExecutionResult struct {
	Success      bool       `json:"success"`
	Status       ExecStatus `json:"status"`
	OrderID      string     `json:"order_id,omitempty"`
	Side         Action     `json:"side,omitempty"`
	Price        float64    `json:"price"`
	Amount       float64    `json:"amount"`
	Fee          float64    `json:"fee"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Position lifecycle state
// ————————————————————————————————————————————————————————————————————————

// VirtualPosition is the in-memory mirror of an exchange position plus its
// attached TP/SL order ids. It is the local source of truth: created on
// successful entry, mutated only by exit detection or reconciliation, and
// destroyed when the exchange position for that side vanishes.
//
// Restored positions were rebuilt from exchange state after a restart;
// recovered positions were rebuilt by the coverage-ensure path. Neither is
// subject to the both-exits requirement of the atomic entry protocol.
type VirtualPosition struct {
	OrderID    string    `json:"order_id"`
	Side       Action    `json:"side"`
	Amount     float64   `json:"amount"`
	EntryPrice float64   `json:"entry_price"`
	Timestamp  time.Time `json:"timestamp"`
	TakeProfit float64   `json:"take_profit"`
	StopLoss   float64   `json:"stop_loss"`
	TPOrderID  string    `json:"tp_order_id,omitempty"`
	SLOrderID  string    `json:"sl_order_id,omitempty"`
	SLPlacedAt time.Time `json:"sl_placed_at,omitempty"`
	Restored   bool      `json:"restored"`
	Recovered  bool      `json:"recovered"`
}

// FullyHedged reports whether both exit orders are attached.
func (v *VirtualPosition) FullyHedged() bool {
	return v.TPOrderID != "" && v.SLOrderID != ""
}

// PendingTPSLVerification is queued after a successful atomic entry and
// consumed by the orchestrator once wall-clock time passes VerifyAfter.
// The expected order ids are kept for log context only; verification
// re-measures coverage rather than matching ids.
type PendingTPSLVerification struct {
	ScheduledAt       time.Time `json:"scheduled_at"`
	VerifyAfter       time.Time `json:"verify_after"`
	EntryOrderID      string    `json:"entry_order_id"`
	Side              Action    `json:"side"`
	Amount            float64   `json:"amount"`
	EntryPrice        float64   `json:"entry_price"`
	ExpectedTPOrderID string    `json:"expected_tp_order_id,omitempty"`
	ExpectedSLOrderID string    `json:"expected_sl_order_id,omitempty"`
	Symbol            string    `json:"symbol"`
}

// OrphanSLRecord marks a stop-loss order whose cancellation failed during
// exit. Persisted so the next startup can retry the cancel.
type OrphanSLRecord struct {
	SLOrderID    string    `json:"sl_order_id"`
	PositionSide Action    `json:"position_side"`
	Amount       float64   `json:"amount"`
	CreatedAt    time.Time `json:"created_at"`
}

// DrawdownSnapshot is one point of equity history.
type DrawdownSnapshot struct {
	Timestamp         time.Time     `json:"timestamp"`
	CurrentBalance    float64       `json:"current_balance"`
	PeakBalance       float64       `json:"peak_balance"`
	DrawdownRatio     float64       `json:"drawdown_ratio"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	TradingStatus     TradingStatus `json:"trading_status"`
}

// DrawdownState is the persisted drawdown FSM blob. Saved after every
// state-changing call so restarts resume where the session left off.
type DrawdownState struct {
	CurrentBalance    float64       `json:"current_balance"`
	PeakBalance       float64       `json:"peak_balance"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	LastLossTime      time.Time     `json:"last_loss_time,omitempty"`
	TradingStatus     TradingStatus `json:"trading_status"`
	PauseUntil        time.Time     `json:"pause_until,omitempty"`
	CurrentSession    string        `json:"current_session,omitempty"`
}

// TradeResult is a closed trade used by Kelly sizing and loss tracking.
type TradeResult struct {
	PnL        float64   `json:"pnl"`
	Strategy   string    `json:"strategy"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange payloads (Bitbank REST)
// ————————————————————————————————————————————————————————————————————————

// Ticker is the public ticker snapshot for a pair.
type Ticker struct {
	Last      float64   `json:"last"`
	Bid       float64   `json:"buy"`
	Sell      float64   `json:"sell"` // best ask; Bitbank's ticker calls it "sell"
	Volume    float64   `json:"vol"`
	Timestamp time.Time `json:"timestamp"`
}

// Ask returns the best ask price.
func (t Ticker) Ask() float64 { return t.Sell }

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price  float64
	Amount float64
}

// Depth is the order book snapshot. Bids are sorted descending by price,
// asks ascending, best level first.
type Depth struct {
	Bids []DepthLevel
	Asks []DepthLevel
}

// BestBid returns the top bid level, or false if the book is empty.
func (d Depth) BestBid() (DepthLevel, bool) {
	if len(d.Bids) == 0 {
		return DepthLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level, or false if the book is empty.
func (d Depth) BestAsk() (DepthLevel, bool) {
	if len(d.Asks) == 0 {
		return DepthLevel{}, false
	}
	return d.Asks[0], true
}

// AssetBalance is one asset's balance as reported by the exchange.
type AssetBalance struct {
	Free  float64 `json:"free_amount"`
	Total float64 `json:"onhand_amount"`
}

// MarginPosition is one side of an open margin position.
type MarginPosition struct {
	Side         PositionSide `json:"position_side"`
	Amount       float64      `json:"open_amount"`
	AveragePrice float64      `json:"average_price"`
}

// ActiveOrder is a live order on the pair as the exchange reports it.
type ActiveOrder struct {
	ID           string    `json:"order_id"`
	Side         Action    `json:"side"`
	Type         OrderType `json:"type"`
	Amount       float64   `json:"remaining_amount"`
	Price        float64   `json:"price"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	OrderedAt    time.Time `json:"ordered_at"`
}

// OrderRequest is the bot's create-order payload.
type OrderRequest struct {
	Symbol            string
	Side              Action
	Type              OrderType
	Amount            float64
	Price             float64 // limit price, ignored for market orders
	PostOnly          bool
	IsClosingOrder    bool
	EntryPositionSide PositionSide // set on closing orders
}

// OrderResult is the exchange's answer to a create-order call.
type OrderResult struct {
	ID           string  `json:"order_id"`
	Price        float64 `json:"price"`
	Amount       float64 `json:"start_amount"`
	FilledPrice  float64 `json:"average_price"`
	FilledAmount float64 `json:"executed_amount"`
	Fee          float64 `json:"fee"`
	Status       string  `json:"status"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
}

// CancelStatus is the terminal state of a cancelled order.
type CancelStatus string

const (
	CancelledUnfilled        CancelStatus = "CANCELED_UNFILLED"
	CancelledPartiallyFilled CancelStatus = "CANCELED_PARTIALLY_FILLED"
	FullyFilled              CancelStatus = "FULLY_FILLED"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
