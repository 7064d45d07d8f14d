package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DriverMemory keeps everything in process memory (no persistence).
	DriverMemory = "memory"
	// DriverSQLite persists to a local SQLite file under Data.
	DriverSQLite = "sqlite"
	// DriverPostgres persists to a PostgreSQL database reachable via DSN.
	DriverPostgres = "postgres"

	// MetadataMerge merges new resource metadata keys into the stored map.
	MetadataMerge = "merge"
	// MetadataReplace replaces the stored resource metadata wholesale.
	MetadataReplace = "replace"
)

// Profile is the configuration of a memory store instance.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Data is the data directory (required by the sqlite driver)
	Data string
	// DSN points to where agentmemory stores its own data
	DSN string
	// Driver is the storage driver (memory, sqlite or postgres)
	Driver string
	// Version is the current version of the store
	Version string

	// Name and Description identify this memory instance to agents.
	Name        string // AGENTMEMORY_NAME (default: agentmemory)
	Description string // AGENTMEMORY_DESCRIPTION
	PrimerPath  string // AGENTMEMORY_PRIMER_PATH (YAML primer, optional)

	// Retention
	RetentionWindow time.Duration // AGENTMEMORY_RETENTION (default: 720h)
	CleanupInterval time.Duration // AGENTMEMORY_CLEANUP_INTERVAL (default: 1h)

	// Resources
	MetadataPolicy string // AGENTMEMORY_METADATA_POLICY (merge|replace, default: merge)
	Compression    string // AGENTMEMORY_COMPRESSION (auto|zstd|lz4|none, default: auto)

	// Remote content
	CacheCapacity int64         // AGENTMEMORY_CACHE_CAPACITY bytes (default: 64MiB)
	CacheTTL      time.Duration // AGENTMEMORY_CACHE_TTL (default: 10m)
	FetchTimeout  time.Duration // AGENTMEMORY_FETCH_TIMEOUT (default: 30s)
	FetchRPS      float64       // AGENTMEMORY_FETCH_RPS per host (default: 5)
	FetchMaxBytes int64         // AGENTMEMORY_FETCH_MAX_BYTES (default: 16MiB)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("ignoring malformed duration", "key", key, "value", value)
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
		slog.Warn("ignoring malformed integer", "key", key, "value", value)
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("ignoring malformed number", "key", key, "value", value)
	}
	return defaultValue
}

// FromEnv loads configuration from AGENTMEMORY_* environment variables.
// Fields already set keep their value when the variable is absent.
func (p *Profile) FromEnv() {
	p.Mode = getEnvOrDefault("AGENTMEMORY_MODE", p.Mode)
	p.Data = getEnvOrDefault("AGENTMEMORY_DATA", p.Data)
	p.DSN = getEnvOrDefault("AGENTMEMORY_DSN", p.DSN)
	p.Driver = getEnvOrDefault("AGENTMEMORY_DRIVER", p.Driver)

	p.Name = getEnvOrDefault("AGENTMEMORY_NAME", p.Name)
	p.Description = getEnvOrDefault("AGENTMEMORY_DESCRIPTION", p.Description)
	p.PrimerPath = getEnvOrDefault("AGENTMEMORY_PRIMER_PATH", p.PrimerPath)

	p.RetentionWindow = getDurationEnv("AGENTMEMORY_RETENTION", p.RetentionWindow)
	p.CleanupInterval = getDurationEnv("AGENTMEMORY_CLEANUP_INTERVAL", p.CleanupInterval)

	p.MetadataPolicy = getEnvOrDefault("AGENTMEMORY_METADATA_POLICY", p.MetadataPolicy)
	p.Compression = getEnvOrDefault("AGENTMEMORY_COMPRESSION", p.Compression)

	p.CacheCapacity = getInt64Env("AGENTMEMORY_CACHE_CAPACITY", p.CacheCapacity)
	p.CacheTTL = getDurationEnv("AGENTMEMORY_CACHE_TTL", p.CacheTTL)
	p.FetchTimeout = getDurationEnv("AGENTMEMORY_FETCH_TIMEOUT", p.FetchTimeout)
	p.FetchRPS = getFloatEnv("AGENTMEMORY_FETCH_RPS", p.FetchRPS)
	p.FetchMaxBytes = getInt64Env("AGENTMEMORY_FETCH_MAX_BYTES", p.FetchMaxBytes)
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (p *Profile) ApplyDefaults() {
	if p.Driver == "" {
		p.Driver = DriverMemory
	}
	if p.Name == "" {
		p.Name = "agentmemory"
	}
	if p.RetentionWindow == 0 {
		p.RetentionWindow = 30 * 24 * time.Hour
	}
	if p.CleanupInterval <= 0 {
		p.CleanupInterval = time.Hour
	}
	if p.MetadataPolicy == "" {
		p.MetadataPolicy = MetadataMerge
	}
	if p.Compression == "" {
		p.Compression = "auto"
	}
	if p.CacheCapacity <= 0 {
		p.CacheCapacity = 64 << 20
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = 10 * time.Minute
	}
	if p.FetchTimeout <= 0 {
		p.FetchTimeout = 30 * time.Second
	}
	if p.FetchRPS <= 0 {
		p.FetchRPS = 5
	}
	if p.FetchMaxBytes <= 0 {
		p.FetchMaxBytes = 16 << 20
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	p.ApplyDefaults()

	if p.RetentionWindow < 0 {
		return errors.Errorf("retention window must not be negative: %s", p.RetentionWindow)
	}

	switch p.MetadataPolicy {
	case MetadataMerge, MetadataReplace:
	default:
		return errors.Errorf("unknown metadata policy %q: expected %q or %q", p.MetadataPolicy, MetadataMerge, MetadataReplace)
	}

	switch p.Compression {
	case "auto", "zstd", "lz4", "none":
	default:
		return errors.Errorf("unknown compression %q", p.Compression)
	}

	switch p.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
		if p.DSN == "" {
			return errors.New("postgres driver requires a DSN")
		}
		return nil
	case DriverSQLite:
	default:
		return errors.Errorf("unknown driver %q", p.Driver)
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "agentmemory")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/agentmemory"
		}
	}
	if p.Data == "" {
		return errors.New("sqlite driver requires a data directory")
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.DSN == "" {
		dbFile := fmt.Sprintf("agentmemory_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	return nil
}
