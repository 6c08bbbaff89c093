package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestIPLimiterTokenConservation(t *testing.T) {
	clock := newClock()
	l := NewIPLimiter(IPOptions{BucketSize: 15, RefillRate: 1, Now: clock.Now})
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 16; i++ {
		if l.Allow(ctx, "192.0.2.1") {
			allowed++
		}
	}
	if allowed != 15 {
		t.Fatalf("expected 15 of 16 calls allowed, got %d", allowed)
	}
	if got := l.Remaining(ctx, "192.0.2.1"); got != 0 {
		t.Fatalf("expected empty bucket, got %d", got)
	}
	if got := l.RetryAfter(ctx, "192.0.2.1"); got != 1 {
		t.Fatalf("expected retry after 1s, got %d", got)
	}

	clock.Advance(time.Second)
	if !l.Allow(ctx, "192.0.2.1") {
		t.Fatalf("expected one call after refill interval")
	}
	if l.Allow(ctx, "192.0.2.1") {
		t.Fatalf("expected only one refilled token")
	}
	if !l.Allow(ctx, "198.51.100.2") {
		t.Fatalf("buckets must be independent per IP")
	}
}

func TestIPLimiterRemainingCapsAtBucket(t *testing.T) {
	clock := newClock()
	l := NewIPLimiter(IPOptions{BucketSize: 3, RefillRate: 2, Now: clock.Now})
	ctx := context.Background()
	l.Allow(ctx, "a")
	if got := l.Remaining(ctx, "a"); got != 2 {
		t.Fatalf("expected 2 tokens, got %d", got)
	}
	clock.Advance(time.Hour)
	if got := l.Remaining(ctx, "a"); got != 3 {
		t.Fatalf("expected bucket to cap at 3, got %d", got)
	}
	if got := l.RetryAfter(ctx, "a"); got != 0 {
		t.Fatalf("expected no wait with tokens left, got %d", got)
	}
}

func TestIPLimiterEvictsOldestVisitor(t *testing.T) {
	clock := newClock()
	l := NewIPLimiter(IPOptions{BucketSize: 1, RefillRate: 0.001, MaxVisitors: 2, Now: clock.Now})
	ctx := context.Background()

	l.Allow(ctx, "first")
	clock.Advance(time.Second)
	l.Allow(ctx, "second")
	clock.Advance(time.Second)
	l.Allow(ctx, "third")
	if l.Len() != 2 {
		t.Fatalf("expected visitor map bounded at 2, got %d", l.Len())
	}
	if !l.Allow(ctx, "first") {
		t.Fatalf("evicted visitor should start with a fresh bucket")
	}
}

func TestIPLimiterCleanup(t *testing.T) {
	clock := newClock()
	l := NewIPLimiter(IPOptions{Now: clock.Now})
	ctx := context.Background()
	l.Allow(ctx, "idle")
	clock.Advance(10 * time.Minute)
	l.Allow(ctx, "busy")
	if removed := l.Cleanup(5 * time.Minute); removed != 1 {
		t.Fatalf("expected one idle visitor removed, got %d", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("expected busy visitor kept, got %d", l.Len())
	}
}

func TestIPLimiterDefaults(t *testing.T) {
	l := NewIPLimiter(IPOptions{})
	if l.burst != DefaultBucketSize || float64(l.limit) != DefaultRefillRate {
		t.Fatalf("unexpected defaults: burst=%d rate=%v", l.burst, l.limit)
	}
}
