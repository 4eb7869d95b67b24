// Package ratelimit implements token bucket pacing per upstream endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter manages per-endpoint rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the endpoint, respecting the context.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		endpoint = "unknown"
	}
	l.mu.Lock()
	limiter, exists := l.limiters[endpoint]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[endpoint] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Only waits that actually blocked are interesting.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(endpoint, d)
	}
	return nil
}
