package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"bitbank-bot/internal/config"
	"bitbank-bot/pkg/types"
)

// Client is the Bitbank REST API client.
// It wraps two resty HTTP clients (public and private hosts) with rate
// limiting, retry, and HMAC auth.
type Client struct {
	public  *resty.Client
	private *resty.Client
	auth    *Auth
	rl      *RateLimiter
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		public:  newHTTP(cfg.PublicBaseURL),
		private: newHTTP(cfg.PrivateBaseURL),
		auth:    NewAuth(cfg.Key, cfg.Secret),
		rl:      NewRateLimiter(),
		logger:  logger.With("component", "exchange"),
	}
}

// envelope is the Bitbank response wrapper: success=1 with a data object,
// or success=0 with data.code carrying the numeric error.
type envelope struct {
	Success int             `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(resp *resty.Response, out any) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Success != 1 {
		var apiErr struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(env.Data, &apiErr)
		return &APIError{Code: apiErr.Code}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// f parses a Bitbank numeric string ("14000000.5"). Empty strings are zero.
func f(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// FetchTicker fetches the public ticker for a pair.
func (c *Client) FetchTicker(ctx context.Context, pair string) (types.Ticker, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}

	resp, err := c.public.R().SetContext(ctx).Get("/" + pair + "/ticker")
	if err != nil {
		return types.Ticker{}, fmt.Errorf("fetch ticker: %w", err)
	}

	var data struct {
		Sell      string `json:"sell"`
		Buy       string `json:"buy"`
		Last      string `json:"last"`
		Vol       string `json:"vol"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := decodeEnvelope(resp, &data); err != nil {
		return types.Ticker{}, fmt.Errorf("fetch ticker: %w", err)
	}

	return types.Ticker{
		Last:      f(data.Last),
		Bid:       f(data.Buy),
		Sell:      f(data.Sell),
		Volume:    f(data.Vol),
		Timestamp: time.UnixMilli(data.Timestamp),
	}, nil
}

// FetchDepth fetches the public order book for a pair.
func (c *Client) FetchDepth(ctx context.Context, pair string) (types.Depth, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return types.Depth{}, err
	}

	resp, err := c.public.R().SetContext(ctx).Get("/" + pair + "/depth")
	if err != nil {
		return types.Depth{}, fmt.Errorf("fetch depth: %w", err)
	}

	var data struct {
		Asks [][2]string `json:"asks"`
		Bids [][2]string `json:"bids"`
	}
	if err := decodeEnvelope(resp, &data); err != nil {
		return types.Depth{}, fmt.Errorf("fetch depth: %w", err)
	}

	depth := types.Depth{
		Asks: make([]types.DepthLevel, 0, len(data.Asks)),
		Bids: make([]types.DepthLevel, 0, len(data.Bids)),
	}
	for _, lvl := range data.Asks {
		depth.Asks = append(depth.Asks, types.DepthLevel{Price: f(lvl[0]), Amount: f(lvl[1])})
	}
	for _, lvl := range data.Bids {
		depth.Bids = append(depth.Bids, types.DepthLevel{Price: f(lvl[0]), Amount: f(lvl[1])})
	}
	return depth, nil
}

// FetchCandles fetches one day (or one year, for daily bars) of OHLCV data.
// interval is a Bitbank candle type: "15min", "4hour", "1day", ...
func (c *Client) FetchCandles(ctx context.Context, pair, interval string, day time.Time) ([]types.Candle, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	// Sub-daily candles are bucketed by day, daily and coarser by year.
	datePart := day.Format("20060102")
	if interval == "1day" || interval == "1week" || interval == "1month" {
		datePart = day.Format("2006")
	}

	resp, err := c.public.R().SetContext(ctx).
		Get("/" + pair + "/candlestick/" + interval + "/" + datePart)
	if err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}

	var data struct {
		Candlestick []struct {
			Type  string           `json:"type"`
			OHLCV [][6]json.Number `json:"ohlcv"`
		} `json:"candlestick"`
	}
	if err := decodeEnvelope(resp, &data); err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}
	if len(data.Candlestick) == 0 {
		return nil, nil
	}

	rows := data.Candlestick[0].OHLCV
	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		ts, _ := row[5].Int64()
		candles = append(candles, types.Candle{
			Open:   f(row[0].String()),
			High:   f(row[1].String()),
			Low:    f(row[2].String()),
			Close:  f(row[3].String()),
			Volume: f(row[4].String()),
			Time:   time.UnixMilli(ts),
		})
	}
	return candles, nil
}

// ————————————————————————————————————————————————————————————————————————
// Private endpoints
// ————————————————————————————————————————————————————————————————————————

// getPrivate performs a signed GET. pathWithQuery must include the /v1
// prefix and any query string, since that exact string is signed.
func (c *Client) getPrivate(ctx context.Context, pathWithQuery string, out any) error {
	if err := c.rl.Fetch.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.private.R().SetContext(ctx).
		SetHeaders(c.auth.Headers(pathWithQuery)).
		Get(pathWithQuery)
	if err != nil {
		return err
	}
	return decodeEnvelope(resp, out)
}

// postPrivate performs a signed POST with a JSON body.
func (c *Client) postPrivate(ctx context.Context, limiter interface{ Wait(context.Context) error }, path string, body any, out any) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	resp, err := c.private.R().SetContext(ctx).
		SetHeaders(c.auth.Headers(string(raw))).
		SetBody(json.RawMessage(raw)).
		Post(path)
	if err != nil {
		return err
	}
	return decodeEnvelope(resp, out)
}

// FetchBalance fetches asset balances, keyed by asset name ("jpy", "btc").
func (c *Client) FetchBalance(ctx context.Context) (map[string]types.AssetBalance, error) {
	var data struct {
		Assets []struct {
			Asset        string `json:"asset"`
			FreeAmount   string `json:"free_amount"`
			OnhandAmount string `json:"onhand_amount"`
		} `json:"assets"`
	}
	if err := c.getPrivate(ctx, "/v1/user/assets", &data); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	out := make(map[string]types.AssetBalance, len(data.Assets))
	for _, a := range data.Assets {
		out[a.Asset] = types.AssetBalance{Free: f(a.FreeAmount), Total: f(a.OnhandAmount)}
	}
	return out, nil
}

// FetchMarginPositions fetches open margin positions for a pair.
// Zero-amount sides are filtered out.
func (c *Client) FetchMarginPositions(ctx context.Context, pair string) ([]types.MarginPosition, error) {
	var data struct {
		Positions []struct {
			Pair         string `json:"pair"`
			PositionSide string `json:"position_side"`
			OpenAmount   string `json:"open_amount"`
			AveragePrice string `json:"average_price"`
		} `json:"positions"`
	}
	if err := c.getPrivate(ctx, "/v1/user/margin/positions", &data); err != nil {
		return nil, fmt.Errorf("fetch margin positions: %w", err)
	}

	var out []types.MarginPosition
	for _, p := range data.Positions {
		if p.Pair != pair {
			continue
		}
		amount := f(p.OpenAmount)
		if amount <= 0 {
			continue
		}
		out = append(out, types.MarginPosition{
			Side:         types.PositionSide(p.PositionSide),
			Amount:       amount,
			AveragePrice: f(p.AveragePrice),
		})
	}
	return out, nil
}

// FetchActiveOrders fetches live orders on the pair, newest first.
func (c *Client) FetchActiveOrders(ctx context.Context, pair string, limit int) ([]types.ActiveOrder, error) {
	path := fmt.Sprintf("/v1/user/spot/active_orders?pair=%s&count=%d", pair, limit)

	var data struct {
		Orders []struct {
			OrderID         int64  `json:"order_id"`
			Side            string `json:"side"`
			Type            string `json:"type"`
			RemainingAmount string `json:"remaining_amount"`
			Price           string `json:"price"`
			TriggerPrice    string `json:"trigger_price"`
			OrderedAt       int64  `json:"ordered_at"`
		} `json:"orders"`
	}
	if err := c.getPrivate(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("fetch active orders: %w", err)
	}

	out := make([]types.ActiveOrder, 0, len(data.Orders))
	for _, o := range data.Orders {
		out = append(out, types.ActiveOrder{
			ID:           strconv.FormatInt(o.OrderID, 10),
			Side:         types.ParseAction(o.Side),
			Type:         types.OrderType(o.Type),
			Amount:       f(o.RemainingAmount),
			Price:        f(o.Price),
			TriggerPrice: f(o.TriggerPrice),
			OrderedAt:    time.UnixMilli(o.OrderedAt),
		})
	}
	return out, nil
}

// orderBody is the create-order request payload.
type orderBody struct {
	Pair         string `json:"pair"`
	Amount       string `json:"amount"`
	Price        string `json:"price,omitempty"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	PostOnly     bool   `json:"post_only,omitempty"`
	TriggerPrice string `json:"trigger_price,omitempty"`
	PositionSide string `json:"position_side,omitempty"`
}

type orderData struct {
	OrderID        int64  `json:"order_id"`
	Price          string `json:"price"`
	StartAmount    string `json:"start_amount"`
	ExecutedAmount string `json:"executed_amount"`
	AveragePrice   string `json:"average_price"`
	Status         string `json:"status"`
	TriggerPrice   string `json:"trigger_price"`
}

func (d orderData) toResult() types.OrderResult {
	return types.OrderResult{
		ID:           strconv.FormatInt(d.OrderID, 10),
		Price:        f(d.Price),
		Amount:       f(d.StartAmount),
		FilledPrice:  f(d.AveragePrice),
		FilledAmount: f(d.ExecutedAmount),
		Status:       d.Status,
		TriggerPrice: f(d.TriggerPrice),
	}
}

// CreateOrder places an order. Amounts are sent at Bitbank's 4-decimal
// precision, prices as integer JPY.
func (c *Client) CreateOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	body := orderBody{
		Pair:     req.Symbol,
		Amount:   strconv.FormatFloat(req.Amount, 'f', 4, 64),
		Side:     string(req.Side),
		Type:     string(req.Type),
		PostOnly: req.PostOnly,
	}
	if req.Type == types.OrderTypeLimit || req.Type == types.OrderTypeStopLimit {
		body.Price = strconv.FormatFloat(req.Price, 'f', 0, 64)
	}
	if req.IsClosingOrder && req.EntryPositionSide != "" {
		body.PositionSide = string(req.EntryPositionSide)
	}

	var data orderData
	if err := c.postPrivate(ctx, c.rl.Order, "/v1/user/spot/order", body, &data); err != nil {
		return types.OrderResult{}, fmt.Errorf("create order: %w", err)
	}

	result := data.toResult()
	c.logger.Info("order placed",
		"order_id", result.ID,
		"side", req.Side,
		"type", req.Type,
		"amount", req.Amount,
		"price", req.Price,
	)
	return result, nil
}

// CreateTakeProfitOrder places a take-profit limit order on the exit side.
// A post-only order the exchange immediately cancelled is surfaced as
// ErrPostOnlyCancelled so the caller can retry at a better price.
func (c *Client) CreateTakeProfitOrder(ctx context.Context, req TakeProfitRequest) (types.OrderResult, error) {
	body := orderBody{
		Pair:     req.Symbol,
		Amount:   strconv.FormatFloat(req.Amount, 'f', 4, 64),
		Price:    strconv.FormatFloat(req.TakeProfitPrice, 'f', 0, 64),
		Side:     string(req.EntrySide.Opposite()),
		Type:     string(types.OrderTypeLimit),
		PostOnly: req.PostOnly,
	}

	var data orderData
	if err := c.postPrivate(ctx, c.rl.Order, "/v1/user/spot/order", body, &data); err != nil {
		return types.OrderResult{}, fmt.Errorf("create take-profit order: %w", err)
	}

	result := data.toResult()
	if req.PostOnly && types.CancelStatus(result.Status) == types.CancelledUnfilled {
		return result, ErrPostOnlyCancelled
	}

	c.logger.Info("take-profit order placed",
		"order_id", result.ID,
		"price", req.TakeProfitPrice,
		"amount", req.Amount,
		"post_only", req.PostOnly,
	)
	return result, nil
}

// CreateStopLossOrder places a stop or stop-limit order on the exit side.
func (c *Client) CreateStopLossOrder(ctx context.Context, req StopLossRequest) (types.OrderResult, error) {
	body := orderBody{
		Pair:         req.Symbol,
		Amount:       strconv.FormatFloat(req.Amount, 'f', 4, 64),
		Side:         string(req.EntrySide.Opposite()),
		Type:         string(req.OrderType),
		TriggerPrice: strconv.FormatFloat(req.StopLossPrice, 'f', 0, 64),
	}
	if req.OrderType == types.OrderTypeStopLimit {
		body.Price = strconv.FormatFloat(req.LimitPrice, 'f', 0, 64)
	}

	var data orderData
	if err := c.postPrivate(ctx, c.rl.Order, "/v1/user/spot/order", body, &data); err != nil {
		return types.OrderResult{}, fmt.Errorf("create stop-loss order: %w", err)
	}

	result := data.toResult()
	c.logger.Info("stop-loss order placed",
		"order_id", result.ID,
		"trigger_price", req.StopLossPrice,
		"order_type", req.OrderType,
		"amount", req.Amount,
	)
	return result, nil
}

// CancelOrder cancels an order. A 60002 (order not found) answer counts as
// success: the order is gone either way.
func (c *Client) CancelOrder(ctx context.Context, orderID, pair string) (types.CancelStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("cancel order: bad order id %q: %w", orderID, err)
	}

	body := struct {
		Pair    string `json:"pair"`
		OrderID int64  `json:"order_id"`
	}{Pair: pair, OrderID: id}

	var data struct {
		Status string `json:"status"`
	}
	if err := c.postPrivate(ctx, c.rl.Cancel, "/v1/user/spot/cancel_order", body, &data); err != nil {
		if IsOrderNotFound(err) {
			c.logger.Debug("cancel: order already gone", "order_id", orderID)
			return types.CancelledUnfilled, nil
		}
		return "", fmt.Errorf("cancel order: %w", err)
	}

	c.logger.Info("order cancelled", "order_id", orderID, "status", data.Status)
	return types.CancelStatus(data.Status), nil
}
