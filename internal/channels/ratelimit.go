package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps tracked rate-limit keys so rotating source keys
	// cannot exhaust memory.
	maxTrackedKeys = 4096

	rateLimitWindow  = 60 * time.Second
	rateLimitMaxHits = 30
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// IngressRateLimiter bounds inbound request rate per key (webhook source,
// user id). Safe for concurrent use.
type IngressRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewIngressRateLimiter creates a bounded limiter.
func NewIngressRateLimiter() *IngressRateLimiter {
	return &IngressRateLimiter{entries: make(map[string]*rateLimitEntry)}
}

// Allow reports whether the key is within its window budget. Stale entries
// are pruned when the tracked-key cap is approached.
func (r *IngressRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= rateLimitMaxHits
}
