package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBucketSize  = 15
	DefaultRefillRate  = 1.0
	DefaultMaxVisitors = 10000
)

// IPOptions configures an IPLimiter. RefillRate is tokens per second.
type IPOptions struct {
	BucketSize  int
	RefillRate  float64
	MaxVisitors int
	Now         func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter keeps one fixed-rate bucket per client IP. The visitor map is bounded: when
// full, the least recently seen IP is evicted.
type IPLimiter struct {
	limit       rate.Limit
	burst       int
	maxVisitors int
	nowFn       func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewIPLimiter builds a limiter; non-positive options take the defaults.
func NewIPLimiter(opts IPOptions) *IPLimiter {
	burst := opts.BucketSize
	if burst <= 0 {
		burst = DefaultBucketSize
	}
	refill := opts.RefillRate
	if refill <= 0 {
		refill = DefaultRefillRate
	}
	maxVisitors := opts.MaxVisitors
	if maxVisitors <= 0 {
		maxVisitors = DefaultMaxVisitors
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &IPLimiter{
		limit:       rate.Limit(refill),
		burst:       burst,
		maxVisitors: maxVisitors,
		nowFn:       nowFn,
		visitors:    make(map[string]*visitor),
	}
}

func (l *IPLimiter) Allow(_ context.Context, key string) bool {
	now := l.nowFn()
	return l.obtain(key, now).AllowN(now, 1)
}

func (l *IPLimiter) Remaining(_ context.Context, key string) int {
	now := l.nowFn()
	tokens := l.obtain(key, now).TokensAt(now)
	if tokens <= 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

func (l *IPLimiter) RetryAfter(_ context.Context, key string) int {
	now := l.nowFn()
	if l.obtain(key, now).TokensAt(now) >= 1 {
		return 0
	}
	return int(math.Ceil(1 / float64(l.limit)))
}

// Cleanup drops buckets idle for longer than maxIdle and returns how many were removed.
func (l *IPLimiter) Cleanup(maxIdle time.Duration) int {
	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()
	cleaned := 0
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > maxIdle {
			delete(l.visitors, ip)
			cleaned++
		}
	}
	return cleaned
}

// Run calls Cleanup every interval until ctx is done.
func (l *IPLimiter) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(maxIdle)
		}
	}
}

// Len reports the number of tracked IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *IPLimiter) obtain(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.visitors[ip]; ok {
		v.lastSeen = now
		return v.limiter
	}
	if len(l.visitors) >= l.maxVisitors {
		var (
			oldestIP   string
			oldestSeen time.Time
		)
		for candidate, v := range l.visitors {
			if oldestIP == "" || v.lastSeen.Before(oldestSeen) {
				oldestIP = candidate
				oldestSeen = v.lastSeen
			}
		}
		delete(l.visitors, oldestIP)
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.visitors[ip] = &visitor{limiter: limiter, lastSeen: now}
	return limiter
}
