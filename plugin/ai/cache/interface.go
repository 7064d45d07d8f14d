// Package cache keeps fetched remote resource content in memory.
package cache

import (
	"context"
	"time"
)

// CacheService is the content cache consumed by the memory service.
type CacheService interface {
	// Get retrieves a value from cache.
	// Returns: value, whether it exists
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value in cache. A zero ttl uses the default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate invalidates cache entries.
	// pattern: exact key, or a prefix ending in * (resource:abc:*)
	Invalidate(ctx context.Context, pattern string) error
}
