package client

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// StakeCache answers "is this entity staked" from the entry point's deposit
// registry with a short-lived cache, so reputation derivation never blocks
// on a network round trip for a recently seen entity.
type StakeCache struct {
	mu      sync.Mutex
	backend Backend
	ttl     time.Duration
	timeout time.Duration
	entries map[common.Address]stakeCacheEntry
	logger  log.Logger
}

type stakeCacheEntry struct {
	staked    bool
	fetchedAt time.Time
}

// NewStakeCache creates a cache over the backend's deposit registry.
func NewStakeCache(backend Backend, ttl time.Duration) *StakeCache {
	return &StakeCache{
		backend: backend,
		ttl:     ttl,
		timeout: 5 * time.Second,
		entries: make(map[common.Address]stakeCacheEntry),
		logger:  log.New("module", "stake-cache"),
	}
}

// Staked reports whether the entity is staked. Lookup failures degrade to
// unstaked, the conservative answer for admission limits.
func (c *StakeCache) Staked(addr common.Address) bool {
	c.mu.Lock()
	if e, ok := c.entries[addr]; ok && time.Since(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.staked
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	info, err := c.backend.DepositInfo(ctx, addr)
	if err != nil {
		c.logger.Debug("Stake lookup failed", "entity", addr.Hex(), "err", err)
		return false
	}

	c.mu.Lock()
	c.entries[addr] = stakeCacheEntry{staked: info.Staked, fetchedAt: time.Now()}
	c.mu.Unlock()
	return info.Staked
}
