package channels

import (
	"sync"
	"time"
)

// dedupeCache is a TTL-bounded set of recently seen message ids. Platforms
// redeliver on reconnect; duplicates inside the window are dropped silently.
type dedupeCache struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	done chan struct{}
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	c := &dedupeCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		done: make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// firstSeen records the id and reports whether it was new within the window.
func (c *dedupeCache) firstSeen(id string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.seen[id]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.seen[id] = now
	return true
}

// evictLoop bounds the cache: entries older than TTL are removed every
// half-TTL tick.
func (c *dedupeCache) evictLoop() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.mu.Lock()
			for id, at := range c.seen {
				if now.Sub(at) >= c.ttl {
					delete(c.seen, id)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

func (c *dedupeCache) stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *dedupeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
