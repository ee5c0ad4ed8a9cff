package rules

import "time"

// Cache abstracts caching of the ordered rule list so the classifier does
// not hit the database on every submission. Implementations must return
// rules in the same order the store produced them.
type Cache interface {
	// Get retrieves cached rules, nil on miss or expiry.
	Get() []*Rule

	// Set stores the ordered rule list.
	Set(rules []*Rule)

	// Invalidate clears the cache, forcing a refresh on next Get.
	Invalidate()
}

// CacheConfig controls cache expiry.
type CacheConfig struct {
	// TTL for cached entries. Zero means no expiration, invalidate only
	// on rule mutations.
	TTL time.Duration
}

// DefaultCacheConfig returns the default: no TTL, mutation-driven
// invalidation only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
