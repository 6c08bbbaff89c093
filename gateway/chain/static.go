package chain

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/renlabs-dev/communex/crypto"
)

// StaticClient serves a fixed registry snapshot from memory. It backs tests and open
// deployments that run without a node.
type StaticClient struct {
	mu         sync.RWMutex
	registered map[uint16]map[crypto.Identity]uint16
	stakes     map[crypto.Identity]*uint256.Int
}

// NewStaticClient returns an empty registry.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		registered: make(map[uint16]map[crypto.Identity]uint16),
		stakes:     make(map[crypto.Identity]*uint256.Int),
	}
}

// Register places id on the subnet with the next free uid.
func (c *StaticClient) Register(netuid uint16, ids ...crypto.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subnet, ok := c.registered[netuid]
	if !ok {
		subnet = make(map[crypto.Identity]uint16)
		c.registered[netuid] = subnet
	}
	for _, id := range ids {
		if _, exists := subnet[id]; exists {
			continue
		}
		subnet[id] = uint16(len(subnet))
	}
}

// SetStake records the total stake of id.
func (c *StaticClient) SetStake(id crypto.Identity, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stakes[id] = new(uint256.Int).Set(amount)
}

func (c *StaticClient) RegisteredIdentities(ctx context.Context, netuid uint16) (map[crypto.Identity]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[crypto.Identity]uint16, len(c.registered[netuid]))
	for id, uid := range c.registered[netuid] {
		out[id] = uid
	}
	return out, nil
}

func (c *StaticClient) StakedBalances(ctx context.Context) (map[crypto.Identity]*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[crypto.Identity]*uint256.Int, len(c.stakes))
	for id, amount := range c.stakes {
		out[id] = new(uint256.Int).Set(amount)
	}
	return out, nil
}

type snapshotFile struct {
	Subnets map[uint16][]string `yaml:"subnets"`
	Stakes  map[string]string   `yaml:"stakes"`
}

// LoadSnapshot builds a StaticClient from a YAML file:
//
//	subnets:
//	  0: [5Grw..., 5FHn...]
//	stakes:
//	  5Grw...: "15000000000000"
func LoadSnapshot(path string) (*StaticClient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain snapshot: %w", err)
	}
	var file snapshotFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode chain snapshot: %w", err)
	}
	client := NewStaticClient()
	for netuid, addrs := range file.Subnets {
		for _, addr := range addrs {
			id, err := crypto.ParseIdentity(addr)
			if err != nil {
				return nil, fmt.Errorf("subnet %d: %w", netuid, err)
			}
			client.Register(netuid, id)
		}
	}
	for addr, amount := range file.Stakes {
		id, err := crypto.ParseIdentity(addr)
		if err != nil {
			return nil, fmt.Errorf("stakes: %w", err)
		}
		value, err := uint256.FromDecimal(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("stake of %s: %w", addr, err)
		}
		client.SetStake(id, value)
	}
	return client, nil
}
