// Package exchange implements the Bitbank REST and realtime clients.
//
// The REST client (Client) talks to the Bitbank public and private APIs:
//   - FetchTicker / FetchDepth / FetchCandles  — public market data
//   - FetchBalance / FetchMarginPositions      — account state
//   - FetchActiveOrders                        — live orders on the pair
//   - CreateOrder / CreateTakeProfitOrder / CreateStopLossOrder
//   - CancelOrder
//
// Every private request is rate-limited via per-category limiters,
// automatically retried on 5xx errors, and signed with HMAC-SHA256 headers.
// All other packages depend on the API interface, so tests and backtests
// can substitute the Mock client.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbank-bot/pkg/types"
)

// Bitbank error codes the bot branches on.
const (
	CodeInsufficientMargin = 50061
	CodeBadOrderType       = 50062
	CodeOrderNotFound      = 60002
	CodeTooManyOrders      = 60011
)

// APIError is a Bitbank-reported failure with its numeric code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("bitbank error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("bitbank error %d", e.Code)
}

// ErrPostOnlyCancelled signals that a post-only limit order was cancelled
// by the exchange because it would have crossed the spread.
var ErrPostOnlyCancelled = errors.New("post-only order cancelled by exchange")

// ErrEmptyBook signals a depth response with no bids or no asks.
var ErrEmptyBook = errors.New("order book has an empty side")

// IsCode reports whether err is an APIError with the given Bitbank code.
func IsCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsOrderNotFound reports whether err means the order no longer exists.
// Cancellation treats this as success.
func IsOrderNotFound(err error) bool { return IsCode(err, CodeOrderNotFound) }

// IsInsufficientMargin reports the margin-shortfall error (50061).
func IsInsufficientMargin(err error) bool { return IsCode(err, CodeInsufficientMargin) }

// IsTooManyOrders reports the per-pair order cap error (60011).
func IsTooManyOrders(err error) bool { return IsCode(err, CodeTooManyOrders) }

// TakeProfitRequest describes a take-profit exit order. The order side is
// derived from the entry side (opposite).
type TakeProfitRequest struct {
	EntrySide       types.Action
	Amount          float64
	TakeProfitPrice float64
	Symbol          string
	PostOnly        bool
}

// StopLossRequest describes a stop-loss exit order.
type StopLossRequest struct {
	EntrySide     types.Action
	Amount        float64
	StopLossPrice float64
	Symbol        string
	OrderType     types.OrderType // stop | stop_limit
	LimitPrice    float64         // stop_limit only
}

// API is the exchange surface every component depends on. Client implements
// it against Bitbank; Mock implements it for tests and backtests.
type API interface {
	FetchTicker(ctx context.Context, pair string) (types.Ticker, error)
	FetchDepth(ctx context.Context, pair string) (types.Depth, error)
	FetchCandles(ctx context.Context, pair, interval string, day time.Time) ([]types.Candle, error)
	FetchBalance(ctx context.Context) (map[string]types.AssetBalance, error)
	FetchMarginPositions(ctx context.Context, pair string) ([]types.MarginPosition, error)
	FetchActiveOrders(ctx context.Context, pair string, limit int) ([]types.ActiveOrder, error)
	CreateOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	CreateTakeProfitOrder(ctx context.Context, req TakeProfitRequest) (types.OrderResult, error)
	CreateStopLossOrder(ctx context.Context, req StopLossRequest) (types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID, pair string) (types.CancelStatus, error)
}
