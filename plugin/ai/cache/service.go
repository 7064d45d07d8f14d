package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ServiceConfig configures the cache service.
type ServiceConfig struct {
	Capacity        int64         // Maximum total bytes of cached values (default: 64 MiB)
	DefaultTTL      time.Duration // Default TTL for entries (default: 10 minutes)
	CleanupInterval time.Duration // Interval for expired entry cleanup (default: 1 minute)
	Clock           clockwork.Clock
}

// DefaultServiceConfig returns default cache service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Capacity:        64 << 20,
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Service implements CacheService with LRU eviction and a background sweep
// of expired entries.
type Service struct {
	lru *LRUCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cleanupInterval time.Duration
}

// NewService creates a new cache service. Close stops its cleanup loop.
func NewService(cfg ServiceConfig) *Service {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		lru:             NewLRUCache(cfg.Capacity, cfg.DefaultTTL, cfg.Clock),
		ctx:             ctx,
		cancel:          cancel,
		cleanupInterval: cfg.CleanupInterval,
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

// Close stops the cache service.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Get(_ context.Context, key string) ([]byte, bool) {
	return s.lru.Get(key)
}

// Set stores a value. Values larger than the whole cache are skipped.
func (s *Service) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !s.lru.Set(key, value, ttl) {
		slog.Debug("value exceeds cache capacity, not cached", "key", key, "size", len(value))
	}
	return nil
}

func (s *Service) Invalidate(_ context.Context, pattern string) error {
	s.lru.Invalidate(pattern)
	return nil
}

// Size returns the number of entries in the cache.
func (s *Service) Size() int {
	return s.lru.Size()
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if removed := s.lru.CleanupExpired(); removed > 0 {
				slog.Debug("expired cache entries removed", "count", removed)
			}
		}
	}
}

var _ CacheService = (*Service)(nil)
