package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// ErrRateLimitExceeded is returned when no token is available for a key.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket implements a token bucket rate limiter keyed by model.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Acquire takes a token for key. The returned release gives the token back
// once the guarded call has finished.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     tb.capacity,
			lastRefill: time.Now(),
		}
		tb.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	if tb.refillRate > 0 {
		elapsed := time.Since(b.lastRefill)
		if added := int(elapsed / tb.refillRate); added > 0 {
			b.tokens = min(b.tokens+added, tb.capacity)
			b.lastRefill = b.lastRefill.Add(time.Duration(added) * tb.refillRate)
		}
	}

	if b.tokens <= 0 {
		return nil, ErrRateLimitExceeded
	}
	b.tokens--

	var once sync.Once
	release = func() {
		once.Do(func() {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			b.tokens = min(b.tokens+1, tb.capacity)
		})
	}

	return release, nil
}

// NoopRateLimiter never limits.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

// Ensure both limiters implement the RateLimiter interface.
var (
	_ ports.RateLimiter = (*TokenBucket)(nil)
	_ ports.RateLimiter = NoopRateLimiter{}
)
