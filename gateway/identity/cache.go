// Package identity caches, per subnet, the identities the chain reports as registered.
package identity

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/chain"
)

const (
	DefaultMinTTL = 60 * time.Second
	DefaultMaxTTL = 120 * time.Second
)

// Options tunes a Cache. Zero values fall back to the defaults.
type Options struct {
	MinTTL time.Duration
	MaxTTL time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

type entry struct {
	members map[crypto.Identity]struct{}
	sorted  []crypto.Identity
	expires time.Time
}

// Cache maps subnet id to its registered identities. Every instance draws one TTL
// uniformly from [MinTTL, MaxTTL] so that servers started together do not refresh in
// lockstep. Failed queries are never cached.
type Cache struct {
	client chain.Client
	ttl    time.Duration
	logger *slog.Logger
	nowFn  func() time.Time

	mu      sync.Mutex
	entries map[uint16]entry
}

// New builds a cache over client.
func New(client chain.Client, opts Options) *Cache {
	minTTL, maxTTL := opts.MinTTL, opts.MaxTTL
	if minTTL <= 0 {
		minTTL = DefaultMinTTL
	}
	if maxTTL < minTTL {
		maxTTL = minTTL
	}
	ttl := minTTL
	if spread := maxTTL - minTTL; spread > 0 {
		ttl += time.Duration(rand.Int63n(int64(spread) + 1))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Cache{
		client:  client,
		ttl:     ttl,
		logger:  logger,
		nowFn:   nowFn,
		entries: make(map[uint16]entry),
	}
}

// TTL returns the lifetime chosen for this instance.
func (c *Cache) TTL() time.Duration { return c.ttl }

// GetOrRefresh returns the registered identities of netuid, sorted. A failed refresh is
// logged and reported as an empty list.
func (c *Cache) GetOrRefresh(ctx context.Context, netuid uint16) []crypto.Identity {
	ids, err := c.Lookup(ctx, netuid)
	if err != nil {
		return nil
	}
	return ids
}

// Lookup is GetOrRefresh with the refresh failure surfaced to the caller.
func (c *Cache) Lookup(ctx context.Context, netuid uint16) ([]crypto.Identity, error) {
	e, err := c.load(ctx, netuid)
	if err != nil {
		return nil, err
	}
	return append([]crypto.Identity(nil), e.sorted...), nil
}

// Contains reports whether id is registered on netuid. Unknown on failure means false.
func (c *Cache) Contains(ctx context.Context, netuid uint16, id crypto.Identity) (bool, error) {
	e, err := c.load(ctx, netuid)
	if err != nil {
		return false, err
	}
	_, ok := e.members[id]
	return ok, nil
}

// Invalidate drops the cached entry for netuid.
func (c *Cache) Invalidate(netuid uint16) {
	c.mu.Lock()
	delete(c.entries, netuid)
	c.mu.Unlock()
}

func (c *Cache) load(ctx context.Context, netuid uint16) (entry, error) {
	now := c.nowFn()
	c.mu.Lock()
	e, ok := c.entries[netuid]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e, nil
	}

	registered, err := c.client.RegisteredIdentities(ctx, netuid)
	if err != nil {
		c.logger.Warn("registered identities query failed",
			slog.Int("netuid", int(netuid)),
			slog.Any("error", err))
		return entry{}, err
	}
	e = entry{
		members: make(map[crypto.Identity]struct{}, len(registered)),
		sorted:  make([]crypto.Identity, 0, len(registered)),
		expires: now.Add(c.ttl),
	}
	for id := range registered {
		e.members[id] = struct{}{}
		e.sorted = append(e.sorted, id)
	}
	sort.Slice(e.sorted, func(i, j int) bool { return e.sorted[i] < e.sorted[j] })

	c.mu.Lock()
	c.entries[netuid] = e
	c.mu.Unlock()
	return e, nil
}
