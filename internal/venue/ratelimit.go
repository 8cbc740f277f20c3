package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilled token bucket. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and
// per-second refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by venue endpoint category. Data reads are
// cheap, order placement and cancels are throttled harder.
type RateLimiter struct {
	Trade  *TokenBucket // order placement, sells, approvals
	Cancel *TokenBucket
	Data   *TokenBucket // markets, orderbooks, portfolio
}

// NewRateLimiter creates buckets tuned well under the venue's limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trade:  NewTokenBucket(30, 5),
		Cancel: NewTokenBucket(30, 10),
		Data:   NewTokenBucket(60, 20),
	}
}
