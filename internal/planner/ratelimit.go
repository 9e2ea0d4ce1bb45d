package planner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiter is a token-bucket limiter keyed by credential kind.
// Tasksync only ever has two keys (delegated, application) but keeping
// it map-keyed leaves room for per-family limiting later.
type keyLimiter struct {
	mu sync.Mutex
	limiters map[string]*rate.Limiter
	r rate.Limit
	b int

	pauseMu sync.Mutex
	pausedTill map[string]time.Time
}

// newKeyLimiter builds a limiter allowing r requests/second per key with
// burst b.
func newKeyLimiter(r float64, b int) *keyLimiter {
	return &keyLimiter{
		limiters: make(map[string]*rate.Limiter),
		r: rate.Limit(r),
		b: b,
		pausedTill: make(map[string]time.Time),
	}
}

func (l *keyLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Wait blocks until key's bucket has a token and any server-imposed pause
// (from a prior Retry-After) has elapsed. The key is threaded through the
// context so callers don't need a parallel Wait(ctx, key) signature at
// every call site.
func (l *keyLimiter) Wait(ctx context.Context) error {
	key := l.keyOf(ctx)
	if d := l.pauseRemaining(key); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return l.limiterFor(key).Wait(ctx)
}

// WithKey attaches the limiter key used by Wait and Pause to ctx.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, limiterKeyCtxKey{}, key)
}

// Pause blocks the key's traffic for d, honoring the planner's
// Retry-After hint on a 429. Pause itself touches no retry counter, but
// Client.do still returns the 429 as a retryable error, so the response
// that triggers a pause counts as one attempt of that request's retry
// budget.
func (l *keyLimiter) Pause(key string, d time.Duration) {
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	until := time.Now().Add(d)
	if prior, ok := l.pausedTill[key]; !ok || until.After(prior) {
		l.pausedTill[key] = until
	}
}

func (l *keyLimiter) pauseRemaining(key string) time.Duration {
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	until, ok := l.pausedTill[key]
	if !ok {
		return 0
	}
	return time.Until(until)
}

func (l *keyLimiter) keyOf(ctx context.Context) string {
	if k, ok := ctx.Value(limiterKeyCtxKey{}).(string); ok {
		return k
	}
	return "default"
}

type limiterKeyCtxKey struct{}
