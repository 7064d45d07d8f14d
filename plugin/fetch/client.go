// Package fetch retrieves the content of remote resources over HTTP, with a
// per-host rate limit and a response size cap.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrTooLarge is returned when a response body exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("remote content exceeds size limit")

// Config holds the fetcher configuration.
type Config struct {
	// Timeout bounds one request including the body read.
	Timeout time.Duration
	// RPS is the sustained request rate allowed per host.
	RPS float64
	// Burst is the number of requests a host may receive at once.
	Burst int
	// MaxBytes caps the response body size.
	MaxBytes int64
	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:   30 * time.Second,
		RPS:       5,
		Burst:     2,
		MaxBytes:  16 << 20,
		UserAgent: "agentmemory-fetch/1.0",
	}
}

// Client fetches remote content.
type Client struct {
	config     *Config
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a new fetch client. Zero config fields take defaults.
func NewClient(config *Config) *Client {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RPS <= 0 {
		config.RPS = defaults.RPS
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = defaults.MaxBytes
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Result is fetched remote content.
type Result struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetch downloads uri. Only http and https are supported.
func (c *Client) Fetch(ctx context.Context, uri string) (*Result, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid uri %q", uri)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.Errorf("unsupported uri scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.Errorf("uri %q has no host", uri)
	}

	if err := c.limiter(parsed.Host).Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait aborted")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", parsed.Redacted())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("remote returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if resp.ContentLength > c.config.MaxBytes {
		return nil, errors.Wrapf(ErrTooLarge, "content length %d > %d", resp.ContentLength, c.config.MaxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if int64(len(body)) > c.config.MaxBytes {
		return nil, errors.Wrap(ErrTooLarge, fmt.Sprintf("body exceeds %d bytes", c.config.MaxBytes))
	}

	slog.Debug("remote content fetched",
		"host", parsed.Host,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds())

	return &Result{
		URL:         parsed.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.config.RPS), c.config.Burst)
		c.limiters[host] = limiter
	}
	return limiter
}
