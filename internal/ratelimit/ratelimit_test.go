package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalAllowsLimitPerKey(t *testing.T) {
	l := NewLocal(5, 15*time.Minute)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "1.1.1.1"); !ok {
			t.Fatalf("hit %d: expected allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "1.1.1.1"); ok {
		t.Fatalf("expected 6th hit rejected")
	}
	if ok, _ := l.Allow(ctx, "2.2.2.2"); !ok {
		t.Fatalf("expected other key allowed")
	}

	// One token refills every window/limit.
	clock = clock.Add(3 * time.Minute)
	if ok, _ := l.Allow(ctx, "1.1.1.1"); !ok {
		t.Fatalf("expected refill after 3m")
	}
	if ok, _ := l.Allow(ctx, "1.1.1.1"); ok {
		t.Fatalf("expected only one refilled token")
	}
}

func TestLocalSweepsIdleKeys(t *testing.T) {
	l := NewLocal(1, time.Minute)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	clock = clock.Add(10 * time.Minute)
	_, _ = l.Allow(ctx, "b")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["a"]; ok {
		t.Fatalf("expected idle bucket swept")
	}
	if len(l.buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(l.buckets))
	}
}
