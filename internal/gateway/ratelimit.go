// ratelimit.go implements token-bucket rate limiting for the venue's public API.
//
// The venue enforces credit-based rate limits per IP. This file provides a
// smooth token-bucket implementation that refills continuously (rather than in
// bursts) to stay under the hard limits even during a full dashboard refresh.
//
// Four buckets are maintained, one per endpoint category:
//   - Ticker:  100 burst / 20 per sec — ticker reads dominate a refresh
//   - Book:     50 burst / 10 per sec — order book reads
//   - Summary:  20 burst /  5 per sec — instrument lists, book summaries
//   - History:  20 burst /  5 per sec — funding, vol index, OHLC history
package gateway

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
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
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Every gateway
// operation calls the appropriate bucket's Wait() before the HTTP request.
type RateLimiter struct {
	Ticker  *TokenBucket // /ticker — per-instrument quotes
	Book    *TokenBucket // /get_order_book
	Summary *TokenBucket // /get_instruments, /get_book_summary_by_currency
	History *TokenBucket // funding, vol index, OHLC history
}

// NewRateLimiter creates rate limiters tuned to the venue's public limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Ticker:  NewTokenBucket(100, 20),
		Book:    NewTokenBucket(50, 10),
		Summary: NewTokenBucket(20, 5),
		History: NewTokenBucket(20, 5),
	}
}
