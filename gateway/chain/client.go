// Package chain adapts the blockchain to the narrow queries the admission pipeline needs:
// which identities are registered on a subnet, and how much stake each identity holds.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/renlabs-dev/communex/crypto"
)

// ErrChainUnavailable wraps every failure to obtain an answer from the chain.
var ErrChainUnavailable = errors.New("chain unavailable")

// Client is the collaborator consumed by the identity cache and the stake limiter. Both
// calls may be slow and may fail.
type Client interface {
	// RegisteredIdentities returns identity -> module uid for a subnet.
	RegisteredIdentities(ctx context.Context, netuid uint16) (map[crypto.Identity]uint16, error)
	// StakedBalances returns identity -> total stake, in nano units.
	StakedBalances(ctx context.Context) (map[crypto.Identity]*uint256.Int, error)
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every query with its own deadline. A timed-out query surfaces as
// ErrChainUnavailable like any other failure.
func WithTimeout(next Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return next
	}
	return &timeoutClient{next: next, timeout: timeout}
}

func (c *timeoutClient) RegisteredIdentities(ctx context.Context, netuid uint16) (map[crypto.Identity]uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.next.RegisteredIdentities(ctx, netuid)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("registered identities on subnet %d", netuid), err)
	}
	return out, nil
}

func (c *timeoutClient) StakedBalances(ctx context.Context) (map[crypto.Identity]*uint256.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.next.StakedBalances(ctx)
	if err != nil {
		return nil, unavailable("staked balances", err)
	}
	return out, nil
}

func unavailable(query string, err error) error {
	if errors.Is(err, ErrChainUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrChainUnavailable, query, err)
}
