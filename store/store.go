package store

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/hrygo/agentmemory/internal/profile"
)

// defaultExpiryConcurrency bounds the cascades one expiry pass runs at once.
const defaultExpiryConcurrency = 4

// Store provides access to conversations, resources and protocol logs.
// It is constructed once per process and closed at shutdown.
type Store struct {
	profile *profile.Profile
	driver  Driver
	clock   clockwork.Clock
	logger  *slog.Logger

	resourceLocks     *keyLock
	expiryConcurrency int
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger used for store-level events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithExpiryConcurrency sets how many cascading deletes an expiry pass runs
// in parallel.
func WithExpiryConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.expiryConcurrency = n
		}
	}
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile, opts ...Option) *Store {
	s := &Store{
		driver:            driver,
		profile:           profile,
		clock:             clockwork.NewRealClock(),
		logger:            slog.Default(),
		resourceLocks:     newKeyLock(),
		expiryConcurrency: defaultExpiryConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Profile() *profile.Profile {
	return s.profile
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *Store) metadataPolicy() string {
	if s.profile == nil || s.profile.MetadataPolicy == "" {
		return profile.MetadataMerge
	}
	return s.profile.MetadataPolicy
}

func (s *Store) compressionMode() string {
	if s.profile == nil || s.profile.Compression == "" {
		return "auto"
	}
	return s.profile.Compression
}
