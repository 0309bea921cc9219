// Package ratelimit caps how often workers call the scraper service, shared
// across every job and worker in a process.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
)

// Limiter allows at most Max calls in any Window. Each grant holds one of Max
// slots for a full Window after it is handed out.
type Limiter struct {
	slots  *semaphore.Weighted
	window time.Duration
}

// Config holds rate limiter configuration. Max <= 0 disables limiting.
type Config struct {
	Max    int
	Window time.Duration
}

// New creates a new Limiter. Max calls may go out at once at start.
func New(cfg Config) *Limiter {
	if cfg.Max <= 0 || cfg.Window <= 0 {
		return &Limiter{}
	}
	return &Limiter{
		slots:  semaphore.NewWeighted(int64(cfg.Max)),
		window: cfg.Window,
	}
}

// Wait blocks until a slot is free, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.slots == nil {
		return ctx.Err()
	}
	start := time.Now()
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	time.AfterFunc(l.window, func() { l.slots.Release(1) })
	// Immediate grants are not delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}
