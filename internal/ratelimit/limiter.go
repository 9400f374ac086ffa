// Package ratelimit implements per-target token buckets for fetch admission.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/metrics"
)

// TargetLimit sets the request budget for one target.
type TargetLimit struct {
	Window      time.Duration
	MaxRequests int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultWindow time.Duration
	DefaultMax    int
	PerTarget     map[string]TargetLimit
}

// Limiter manages one token bucket per target. The bucket map is the single
// shared mutable resource; all workers serialize through it.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	defaults TargetLimit
	over     map[string]TargetLimit
}

// New creates a Limiter. A non-positive default falls back to 10 per minute.
func New(cfg Config) *Limiter {
	defaults := TargetLimit{Window: cfg.DefaultWindow, MaxRequests: cfg.DefaultMax}
	if defaults.Window <= 0 {
		defaults.Window = time.Minute
	}
	if defaults.MaxRequests <= 0 {
		defaults.MaxRequests = 10
	}
	over := make(map[string]TargetLimit, len(cfg.PerTarget))
	for target, limit := range cfg.PerTarget {
		if limit.Window > 0 && limit.MaxRequests > 0 {
			over[target] = limit
		}
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		defaults: defaults,
		over:     over,
	}
}

// Acquire blocks until the target's bucket has capacity, then consumes one
// unit. It returns early only when the context ends.
func (l *Limiter) Acquire(ctx context.Context, target string) error {
	bucket := l.bucketFor(target)

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", target, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(target, waited)
	}
	return nil
}

func (l *Limiter) bucketFor(target string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, exists := l.buckets[target]
	if !exists {
		limit := l.defaults
		if override, ok := l.over[target]; ok {
			limit = override
		}
		// Refill max/window with burst max: at most 2*max can pass in any
		// window, and 2*max acquisitions always span at least one window.
		refill := rate.Limit(float64(limit.MaxRequests) / limit.Window.Seconds())
		bucket = rate.NewLimiter(refill, limit.MaxRequests)
		l.buckets[target] = bucket
	}
	return bucket
}
