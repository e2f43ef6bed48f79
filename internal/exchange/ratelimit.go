// ratelimit.go spaces REST requests per endpoint category.
//
// The exchange tolerates bursts but the engine enforces a flat 100 ms minimum
// between requests to the same endpoint family, which keeps every client
// comfortably inside the venue's published limits even with many strategies
// sharing one account.
package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// minRequestSpacing is the minimum interval between requests per category.
const minRequestSpacing = 100 * time.Millisecond

// RateLimiter groups limiters by endpoint category. Every REST call waits on
// its category's limiter before sending.
type RateLimiter struct {
	Market   *rate.Limiter // tickers, klines, instruments
	Order    *rate.Limiter // create, cancel, status
	Position *rate.Limiter // positions, leverage, trading-stop, closed-pnl
	Account  *rate.Limiter // wallet balance
}

// NewRateLimiter creates limiters with the engine's flat spacing policy.
func NewRateLimiter() *RateLimiter {
	every := rate.Every(minRequestSpacing)
	return &RateLimiter{
		Market:   rate.NewLimiter(every, 1),
		Order:    rate.NewLimiter(every, 1),
		Position: rate.NewLimiter(every, 1),
		Account:  rate.NewLimiter(every, 1),
	}
}

// wait blocks until the limiter admits a request or ctx is cancelled.
func wait(ctx context.Context, l *rate.Limiter) error {
	return l.Wait(ctx)
}
