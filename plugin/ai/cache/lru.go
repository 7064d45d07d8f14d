package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// LRUCache is an LRU cache bounded by the total size of its values, with
// per-entry TTL.
type LRUCache struct {
	capacity   int64
	defaultTTL time.Duration
	clock      clockwork.Clock
	mu         sync.Mutex

	used  int64
	cache map[string]*entry
	order *list.List // Doubly linked list for LRU ordering
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// NewLRUCache creates a cache holding at most capacity bytes of values.
func NewLRUCache(capacity int64, defaultTTL time.Duration, c clockwork.Clock) *LRUCache {
	if capacity <= 0 {
		capacity = 64 << 20
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	if c == nil {
		c = clockwork.NewRealClock()
	}

	return &LRUCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		clock:      c,
		cache:      make(map[string]*entry),
		order:      list.New(),
	}
}

// Get retrieves a value from the cache.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeEntry(e)
		return nil, false
	}

	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores a value in the cache. It reports false when the value alone
// exceeds the capacity and was not stored.
func (c *LRUCache) Set(key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	size := int64(len(value))
	if size > c.capacity {
		c.mu.Lock()
		if e, ok := c.cache[key]; ok {
			c.removeEntry(e)
		}
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(ttl)
	if e, ok := c.cache[key]; ok {
		c.used += size - int64(len(e.value))
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(e.element)
	} else {
		e := &entry{key: key, value: value, expiresAt: expiresAt}
		e.element = c.order.PushFront(e)
		c.cache[key] = e
		c.used += size
	}

	for c.used > c.capacity {
		c.evictOldest()
	}
	return true
}

// Invalidate removes entries matching the pattern.
// Supports * wildcard at the end (e.g., "resource:abc:*").
func (c *LRUCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(pattern, "*") {
		if e, ok := c.cache[pattern]; ok {
			c.removeEntry(e)
			return 1
		}
		return 0
	}

	count := 0
	prefix := strings.TrimSuffix(pattern, "*")
	for key, e := range c.cache {
		if strings.HasPrefix(key, prefix) {
			c.removeEntry(e)
			count++
		}
	}
	return count
}

// Size returns the number of entries in the cache.
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Used returns the total size of the cached values in bytes.
func (c *LRUCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Clear removes all entries from the cache.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*entry)
	c.order.Init()
	c.used = 0
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *LRUCache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.removeEntry(oldest.Value.(*entry))
}

// Must be called with lock held.
func (c *LRUCache) removeEntry(e *entry) {
	c.order.Remove(e.element)
	delete(c.cache, e.key)
	c.used -= int64(len(e.value))
}

// CleanupExpired removes all expired entries.
// Returns the number of entries removed.
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var expired []*entry
	for _, e := range c.cache {
		if !now.Before(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeEntry(e)
	}
	return len(expired)
}
