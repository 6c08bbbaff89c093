package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/chain"
)

const (
	DefaultEpoch       = 800 * time.Second
	DefaultMaxCacheAge = 600 * time.Second
	DefaultMultiplier  = 1.0

	baseCallsPerEpoch = 89
	maxTierRatio      = 4

	// openRate is the per-second refill reported when no subnet whitelist is configured.
	openRate = 1000

	failedRefreshBackoff = 10 * time.Second
)

// Nano is the number of base units in one token.
const Nano = 1_000_000_000

var (
	tierMinimum = new(uint256.Int).Mul(uint256.NewInt(10_000), uint256.NewInt(Nano))
	tierDouble  = new(uint256.Int).Mul(uint256.NewInt(500_000), uint256.NewInt(Nano))
	tierQuad    = new(uint256.Int).Mul(uint256.NewInt(1_000_000), uint256.NewInt(Nano))
)

// TierFunc maps a stake to calls allowed per epoch.
type TierFunc func(stake *uint256.Int) float64

// CallsPerEpoch is the default stake tiering: nothing below 10 000 tokens, then 89, 178
// and 356 calls per epoch from 10 000, 500 000 and 1 000 000 tokens, scaled by multiplier.
func CallsPerEpoch(stake *uint256.Int, multiplier float64) (float64, error) {
	if err := validateMultiplier(multiplier); err != nil {
		return 0, err
	}
	return callsPerEpoch(stake, multiplier), nil
}

// Tiered returns CallsPerEpoch bound to multiplier.
func Tiered(multiplier float64) (TierFunc, error) {
	if err := validateMultiplier(multiplier); err != nil {
		return nil, err
	}
	return func(stake *uint256.Int) float64 { return callsPerEpoch(stake, multiplier) }, nil
}

func validateMultiplier(multiplier float64) error {
	if multiplier <= 1.0/maxTierRatio {
		return fmt.Errorf("multiplier %v would set 0 tokens for all stakes", multiplier)
	}
	return nil
}

func callsPerEpoch(stake *uint256.Int, multiplier float64) float64 {
	switch {
	case stake == nil || stake.Lt(tierMinimum):
		return 0
	case stake.Lt(tierDouble):
		return baseCallsPerEpoch * multiplier
	case stake.Lt(tierQuad):
		return 2 * baseCallsPerEpoch * multiplier
	default:
		return 4 * baseCallsPerEpoch * multiplier
	}
}

// StakeOptions configures a StakeLimiter.
type StakeOptions struct {
	// Subnets mirrors the server's subnet whitelist; empty means open mode.
	Subnets     []uint16
	Epoch       time.Duration
	MaxCacheAge time.Duration
	Tier        TierFunc
	Logger      *slog.Logger
	Now         func() time.Time
}

type snapshot struct {
	perEpoch map[crypto.Identity]float64
	max      float64
	takenAt  time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// StakeLimiter keeps one bucket per caller identity. A key's refill rate is its
// calls-per-epoch over the epoch length, read from a stake snapshot refreshed when older
// than MaxCacheAge. Refill is capped at the largest calls-per-epoch of any staked key,
// not the key's own.
type StakeLimiter struct {
	client      chain.Client
	open        bool
	epoch       float64
	maxCacheAge time.Duration
	tier        TierFunc
	logger      *slog.Logger
	nowFn       func() time.Time

	snap          atomic.Pointer[snapshot]
	refreshMu     sync.Mutex
	lastAttempt   time.Time
	lastAttemptOK bool

	mu      sync.Mutex
	buckets map[string]bucket
}

// NewStakeLimiter builds a limiter over client. The first snapshot is taken lazily.
func NewStakeLimiter(client chain.Client, opts StakeOptions) (*StakeLimiter, error) {
	if client == nil && len(opts.Subnets) > 0 {
		return nil, fmt.Errorf("stake limiter requires a chain client")
	}
	epoch := opts.Epoch
	if epoch <= 0 {
		epoch = DefaultEpoch
	}
	maxCacheAge := opts.MaxCacheAge
	if maxCacheAge <= 0 {
		maxCacheAge = DefaultMaxCacheAge
	}
	tier := opts.Tier
	if tier == nil {
		var err error
		if tier, err = Tiered(DefaultMultiplier); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	l := &StakeLimiter{
		client:      client,
		open:        len(opts.Subnets) == 0,
		epoch:       epoch.Seconds(),
		maxCacheAge: maxCacheAge,
		tier:        tier,
		logger:      logger,
		nowFn:       nowFn,
		buckets:     make(map[string]bucket),
	}
	l.snap.Store(&snapshot{perEpoch: map[crypto.Identity]float64{}})
	return l, nil
}

// Allow consumes a token for key. In open mode it always succeeds without touching any
// bucket.
func (l *StakeLimiter) Allow(ctx context.Context, key string) bool {
	if l.open {
		return true
	}
	snap := l.snapshot(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	tokens := l.refill(snap, key)
	if tokens >= 1 {
		l.setTokens(key, tokens-1)
		return true
	}
	return false
}

func (l *StakeLimiter) Remaining(ctx context.Context, key string) int {
	if l.open {
		return int(openRate * l.epoch)
	}
	snap := l.snapshot(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(math.Floor(l.refill(snap, key)))
}

func (l *StakeLimiter) RetryAfter(ctx context.Context, key string) int {
	if l.open {
		return 0
	}
	snap := l.snapshot(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refill(snap, key) >= 1 {
		return 0
	}
	if perSecond := l.rate(snap, key); perSecond > 0 {
		return int(math.Ceil(1 / perSecond))
	}
	return int(l.maxCacheAge.Seconds())
}

// Limit is the key's calls per epoch, at least 1.
func (l *StakeLimiter) Limit(key string) int {
	perEpoch := l.snap.Load().perEpoch[crypto.Identity(key)]
	return int(math.Max(1, perEpoch))
}

// rate is tokens per second for key.
func (l *StakeLimiter) rate(snap *snapshot, key string) float64 {
	perEpoch := snap.perEpoch[crypto.Identity(key)]
	if perEpoch == 0 {
		return 0
	}
	return perEpoch / l.epoch
}

// refill brings key's bucket up to date and returns its tokens. A key seen for the first
// time starts with max(1, calls per epoch). Callers hold l.mu.
func (l *StakeLimiter) refill(snap *snapshot, key string) float64 {
	b, ok := l.buckets[key]
	if !ok {
		tokens := math.Floor(math.Max(1, snap.perEpoch[crypto.Identity(key)]))
		l.setTokens(key, tokens)
		return tokens
	}
	fresh := math.Floor(l.nowFn().Sub(b.lastSeen).Seconds() * l.rate(snap, key))
	if fresh <= 0 {
		return b.tokens
	}
	tokens := math.Min(b.tokens+fresh, snap.max)
	l.setTokens(key, tokens)
	return tokens
}

func (l *StakeLimiter) setTokens(key string, tokens float64) {
	l.buckets[key] = bucket{tokens: tokens, lastSeen: l.nowFn()}
}

// snapshot returns the current stake snapshot, refreshing it inline when it is older than
// MaxCacheAge. While one request refreshes, the others keep using the old snapshot; only
// the very first snapshot is waited for. A failed refresh keeps the previous snapshot and
// is retried after a short backoff.
func (l *StakeLimiter) snapshot(ctx context.Context) *snapshot {
	current := l.snap.Load()
	now := l.nowFn()
	if current.takenAt.IsZero() {
		l.refreshMu.Lock()
	} else if now.Sub(current.takenAt) <= l.maxCacheAge {
		return current
	} else if !l.refreshMu.TryLock() {
		return current
	}
	defer l.refreshMu.Unlock()
	if latest := l.snap.Load(); latest != current {
		return latest
	}
	if !l.lastAttemptOK && !l.lastAttempt.IsZero() && now.Sub(l.lastAttempt) < failedRefreshBackoff {
		return current
	}
	l.lastAttempt = now

	stakes, err := l.client.StakedBalances(ctx)
	if err != nil {
		l.lastAttemptOK = false
		l.logger.Warn("stake snapshot refresh failed", slog.Any("error", err))
		return current
	}
	next := &snapshot{perEpoch: make(map[crypto.Identity]float64, len(stakes)), takenAt: now}
	for id, stake := range stakes {
		perEpoch := l.tier(stake)
		next.perEpoch[id] = perEpoch
		if perEpoch > next.max {
			next.max = perEpoch
		}
	}
	l.lastAttemptOK = true
	l.snap.Store(next)
	return next
}
