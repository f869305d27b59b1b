package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// Tick is one cached top-of-book observation.
type Tick struct {
	Price decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	At    time.Time
}

// ShardedPriceCache holds the latest tick per product, sharded to keep
// lock contention low when the reader goroutine and many workers touch it.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Tick
}

// NewShardedPriceCache creates an empty cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]Tick),
		}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest tick for a product.
func (c *ShardedPriceCache) Set(productID string, t Tick) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	shard := c.getShard(productID)
	shard.mu.Lock()
	shard.items[productID] = t
	shard.mu.Unlock()
}

// Get retrieves the latest tick for a product.
func (c *ShardedPriceCache) Get(productID string) (Tick, bool) {
	shard := c.getShard(productID)
	shard.mu.RLock()
	t, ok := shard.items[productID]
	shard.mu.RUnlock()
	return t, ok
}

// GetWithAge retrieves the tick and how long ago it was observed.
func (c *ShardedPriceCache) GetWithAge(productID string) (Tick, time.Duration, bool) {
	shard := c.getShard(productID)
	shard.mu.RLock()
	t, ok := shard.items[productID]
	shard.mu.RUnlock()
	if !ok {
		return Tick{}, 0, false
	}
	return t, time.Since(t.At), true
}

// Delete removes a product from the cache.
func (c *ShardedPriceCache) Delete(productID string) {
	shard := c.getShard(productID)
	shard.mu.Lock()
	delete(shard.items, productID)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for id, t := range shard.items {
			if t.At.Before(cutoff) {
				delete(shard.items, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CleanupInvalid removes entries whose product left the tradable set.
func (c *ShardedPriceCache) CleanupInvalid(validProducts []string) int {
	valid := make(map[string]bool, len(validProducts))
	for _, p := range validProducts {
		valid[p] = true
	}

	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for id := range shard.items {
			if !valid[id] {
				delete(shard.items, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetAll returns all cached ticks (for debugging/admin).
func (c *ShardedPriceCache) GetAll() map[string]Tick {
	result := make(map[string]Tick)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for id, t := range shard.items {
			result[id] = t
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, t := range shard.items {
			if oldest.IsZero() || t.At.Before(oldest) {
				oldest = t.At
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
