// ratelimit.go guards the Bitbank REST API with per-category rate limiters.
//
// Bitbank allows roughly 10 GET requests per second and 6 writes per second
// on the private API; the public API tolerates more but is shared with the
// candle poller. Each trading operation calls the appropriate limiter's
// Wait() before making the HTTP request.
package exchange

import "golang.org/x/time/rate"

// RateLimiter groups limiters by endpoint category.
type RateLimiter struct {
	Order  *rate.Limiter // POST /user/spot/order
	Cancel *rate.Limiter // POST /user/spot/cancel_order
	Fetch  *rate.Limiter // private GETs (assets, positions, active orders)
	Public *rate.Limiter // public GETs (ticker, depth, candlestick)
}

// NewRateLimiter creates limiters tuned under Bitbank's published limits,
// with small bursts so a single trading cycle never queues on itself.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  rate.NewLimiter(rate.Limit(5), 5),
		Cancel: rate.NewLimiter(rate.Limit(5), 5),
		Fetch:  rate.NewLimiter(rate.Limit(8), 8),
		Public: rate.NewLimiter(rate.Limit(10), 10),
	}
}
