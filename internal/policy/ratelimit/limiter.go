// Package ratelimit implements per-host token bucket rate limiting for forge
// API calls, including pauses until a server-announced quota reset.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/poacher/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	pausedUntil  map[string]time.Time
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained request rate per host. Zero or less is unlimited.
	RPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		pausedUntil:  make(map[string]time.Time),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a request to rawURL's host is allowed, respecting the
// context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)

	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	until := l.pausedUntil[host]
	l.mu.Unlock()

	start := time.Now()
	if wait := time.Until(until); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit pause: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Only delays a caller could notice are recorded.
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, duration)
	}
	return nil
}

// PauseUntil blocks requests to rawURL's host until t, typically the quota
// reset announced by the server. Earlier deadlines never shorten a pause.
func (l *Limiter) PauseUntil(rawURL string, t time.Time) {
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.pausedUntil[host]) {
		l.pausedUntil[host] = t
	}
}

// PausedUntil reports the current pause deadline for rawURL's host.
func (l *Limiter) PausedUntil(rawURL string) time.Time {
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pausedUntil[host]
}

func hostOf(rawURL string) string {
	return metrics.SanitizeHost(rawURL)
}
