package rules

import (
	"sync"
	"time"
)

// MemoryCache is an in-memory implementation of Cache. Thread-safe.
type MemoryCache struct {
	mu       sync.RWMutex
	rules    []*Rule
	cachedAt time.Time
	valid    bool
	config   CacheConfig
}

// NewMemoryCache creates an empty in-memory rules cache.
func NewMemoryCache(config CacheConfig) *MemoryCache {
	return &MemoryCache{config: config}
}

func (c *MemoryCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid {
		return nil
	}
	if c.config.TTL > 0 && time.Since(c.cachedAt) > c.config.TTL {
		return nil
	}

	// Copy so callers cannot disturb the cached ordering.
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func (c *MemoryCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = time.Now()
	c.valid = true
}

func (c *MemoryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}
