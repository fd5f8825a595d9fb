// Package ratelimit limits requests per key (client IP) over a window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limiter interface {
	// Allow records one hit for key and reports whether it is within the limit.
	Allow(ctx context.Context, key string) (bool, error)
}

// Local is a per-process limiter: a token bucket per key holding limit tokens that refill
// evenly over window.
type Local struct {
	limit  int
	window time.Duration
	idle   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLocal(limit int, window time.Duration) *Local {
	if limit < 1 {
		limit = 1
	}
	return &Local{
		limit:   limit,
		window:  window,
		idle:    2 * window,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

func (l *Local) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *Local) sweep(now time.Time) {
	if now.Sub(l.swept) < l.window {
		return
	}
	l.swept = now
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.idle {
			delete(l.buckets, k)
		}
	}
}
