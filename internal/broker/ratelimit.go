// ratelimit.go gates outbound venue calls with a smooth token bucket plus
// an in-flight cap. The bucket refills continuously (fractional tokens) so
// bursts drain without tripping the venue's hard windows; the weighted
// semaphore bounds concurrent requests independently of request rate.
package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait until a token is available or ctx is cancelled.
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

// Limiter combines the per-venue token bucket with an in-flight cap.
type Limiter struct {
	bucket   *TokenBucket
	inflight *semaphore.Weighted
}

// NewLimiter builds a limiter from config, applying safe defaults when the
// knobs are unset.
func NewLimiter(rps float64, burst int, maxInflight int64) *Limiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if maxInflight <= 0 {
		maxInflight = 4
	}
	return &Limiter{
		bucket:   NewTokenBucket(float64(burst), rps),
		inflight: semaphore.NewWeighted(maxInflight),
	}
}

// Acquire takes one rate token and one in-flight slot. The returned
// release function must be called on every path once the request ends.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	if err := l.inflight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.inflight.Release(1) }, nil
}
