// Package memory is the memory facade used by agents: every operation runs on
// behalf of a caller and is checked against ownership before it reaches the
// store.
//
// The service layer abstracts ownership rules from the store layer and is the
// only component the tool surface talks to.
package memory

import (
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/plugin/ai/cache"
	"github.com/hrygo/agentmemory/store"
)

// DefaultCacheTTL is how long fetched remote content stays cached.
const DefaultCacheTTL = 10 * time.Minute

// DefaultFetchTimeout bounds one shared remote download.
const DefaultFetchTimeout = 30 * time.Second

// Config holds the collaborators of a Service. Every field is optional.
type Config struct {
	Executor Executor
	Fetcher  Fetcher
	Cache    cache.CacheService
	CacheTTL time.Duration
	// FetchTimeout bounds a remote download independently of the callers
	// waiting on it.
	FetchTimeout time.Duration
	Primer       *Primer
	Logger       *slog.Logger
}

// Service implements the memory facade.
type Service struct {
	store    *store.Store
	executor Executor
	fetcher  Fetcher
	cache    cache.CacheService
	cacheTTL time.Duration
	primer   *Primer
	logger   *slog.Logger

	fetchTimeout time.Duration
	fetchGroup   singleflight.Group
}

// NewService creates a new memory service over s.
func NewService(s *store.Store, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Primer == nil {
		cfg.Primer = DefaultPrimer(s.Profile())
	}
	return &Service{
		store:    s,
		executor: cfg.Executor,
		fetcher:  cfg.Fetcher,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		primer:   cfg.Primer,
		logger:   cfg.Logger,

		fetchTimeout: cfg.FetchTimeout,
	}
}

func requireCaller(caller string) error {
	if caller == "" {
		return merrors.Validation("caller is required")
	}
	return nil
}
