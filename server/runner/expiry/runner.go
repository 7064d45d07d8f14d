// Package expiry runs retention expiry on a fixed interval.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRetention is how long a conversation survives without updates.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultInterval is the default interval between expiry passes.
	DefaultInterval = time.Hour
)

// Expirer deletes conversations not updated within the retention window,
// cascading to their protocol logs and unshared artifacts.
type Expirer interface {
	DeleteExpiredConversations(ctx context.Context, retention time.Duration) (int, error)
}

type Config struct {
	Retention time.Duration // zero expires everything not updated after the pass starts
	Interval  time.Duration // default: 1h
}

// Runner periodically deletes expired conversations.
type Runner struct {
	expirer Expirer
	config  Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

func NewRunner(expirer Expirer, config Config) *Runner {
	if config.Retention < 0 {
		config.Retention = DefaultRetention
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &Runner{
		expirer: expirer,
		config:  config,
	}
}

// Start runs one pass immediately, then one per interval, in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})

	go r.run(ctx, r.stopChan, r.done)

	slog.Info("expiry runner started",
		"retention", r.config.Retention,
		"interval", r.config.Interval)
}

// Stop stops the runner and waits for an in-flight pass to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	r.running = false
	done := r.done
	r.mu.Unlock()

	<-done
	slog.Info("expiry runner stopped")
}

// RunOnce executes a single expiry pass immediately.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	return r.expirer.DeleteExpiredConversations(ctx, r.config.Retention)
}

func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	start := time.Now()
	deleted, err := r.RunOnce(ctx)
	if err != nil {
		slog.Error("expiry pass failed", "deleted", deleted, "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("expiry pass completed", "deleted", deleted, "duration_ms", time.Since(start).Milliseconds())
	}
}
