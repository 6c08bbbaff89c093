// Package accesslist holds the operator-managed identity and IP lists and the verifier
// that enforces them ahead of every method call.
package accesslist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind selects one of the three lists.
type Kind string

const (
	Blacklist   Kind = "blacklist"
	Whitelist   Kind = "whitelist"
	IPBlacklist Kind = "ip_blacklist"
)

var kinds = []Kind{Blacklist, Whitelist, IPBlacklist}

// Store persists list contents across restarts.
type Store interface {
	Load(ctx context.Context, kind Kind) ([]string, error)
	Put(ctx context.Context, kind Kind, value string) error
	Delete(ctx context.Context, kind Kind, value string) error
}

// Lists are the live, mutable sets consulted on every request. The whitelist is enforced
// only while it has entries.
type Lists struct {
	mu    sync.RWMutex
	sets  map[Kind]map[string]struct{}
	store Store
}

// Initial is the operator-provided starting content.
type Initial struct {
	Blacklist   []string
	Whitelist   []string
	IPBlacklist []string
}

// New builds lists from initial, merged with whatever store already holds. store may be
// nil.
func New(ctx context.Context, initial Initial, store Store) (*Lists, error) {
	l := &Lists{
		sets:  make(map[Kind]map[string]struct{}, len(kinds)),
		store: store,
	}
	for _, kind := range kinds {
		l.sets[kind] = make(map[string]struct{})
	}
	seed := map[Kind][]string{
		Blacklist:   initial.Blacklist,
		Whitelist:   initial.Whitelist,
		IPBlacklist: initial.IPBlacklist,
	}
	for _, kind := range kinds {
		for _, value := range seed[kind] {
			if err := l.Add(ctx, kind, value); err != nil {
				return nil, err
			}
		}
		if store == nil {
			continue
		}
		persisted, err := store.Load(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", kind, err)
		}
		for _, value := range persisted {
			l.sets[kind][value] = struct{}{}
		}
	}
	return l, nil
}

// Add inserts value into the list.
func (l *Lists) Add(ctx context.Context, kind Kind, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty %s entry", kind)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.sets[kind]
	if !ok {
		return fmt.Errorf("unknown list %q", kind)
	}
	if l.store != nil {
		if err := l.store.Put(ctx, kind, value); err != nil {
			return fmt.Errorf("persist %s entry: %w", kind, err)
		}
	}
	set[value] = struct{}{}
	return nil
}

// Remove deletes value from the list. Removing an absent entry is not an error.
func (l *Lists) Remove(ctx context.Context, kind Kind, value string) error {
	value = strings.TrimSpace(value)
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.sets[kind]
	if !ok {
		return fmt.Errorf("unknown list %q", kind)
	}
	if l.store != nil {
		if err := l.store.Delete(ctx, kind, value); err != nil {
			return fmt.Errorf("persist %s removal: %w", kind, err)
		}
	}
	delete(set, value)
	return nil
}

// Contains reports membership.
func (l *Lists) Contains(kind Kind, value string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.sets[kind][value]
	return ok
}

// WhitelistEnforced reports whether callers must appear on the whitelist, which is the
// case whenever it is non-empty.
func (l *Lists) WhitelistEnforced() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sets[Whitelist]) > 0
}

// Snapshot returns the sorted contents of a list.
func (l *Lists) Snapshot(kind Kind) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.sets[kind]))
	for value := range l.sets[kind] {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
