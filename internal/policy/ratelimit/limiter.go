// Package ratelimit implements per-key token bucket pacing for outbound
// requests. Keys are source names, so each upstream gets its own bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/market-harvester/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS applies to keys without an override. Zero or less disables
	// pacing.
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
	// PerKey overrides the requests per second of individual keys.
	PerKey map[string]float64 `mapstructure:"per_key"`
}

// Limiter manages one rate.Limiter per key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if ok {
		return limiter
	}
	rps := l.cfg.DefaultRPS
	if override, ok := l.cfg.PerKey[key]; ok {
		rps = override
	}
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	limiter = rate.NewLimiter(r, l.cfg.DefaultBurst)
	l.limiters[key] = limiter
	return limiter
}

// Wait blocks until a token is available for key or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		key = "default"
	}
	start := time.Now()
	if err := l.limiterFor(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}
