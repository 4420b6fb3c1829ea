// Package health provides a short-TTL cache of analyzer service reachability.
package health

import (
	"context"
	"sync"
	"time"
)

// Prober checks whether a single analyzer service is currently reachable.
type Prober func(ctx context.Context, service string) bool

// Cache caches positive health results for TTL; negative results are never
// cached so recovery is detected on the very next check, per §4.7.
type Cache struct {
	mu     sync.Mutex
	ttl    time.Duration
	probe  Prober
	good   map[string]time.Time
	mirror Mirror
}

func New(ttl time.Duration, probe Prober) *Cache {
	return &Cache{ttl: ttl, probe: probe, good: map[string]time.Time{}}
}

// IsHealthy returns the cached positive result if still within TTL,
// otherwise probes and caches only a positive outcome.
func (c *Cache) IsHealthy(ctx context.Context, service string) bool {
	c.mu.Lock()
	if until, ok := c.good[service]; ok && time.Now().Before(until) {
		c.mu.Unlock()
		return true
	}
	mirror := c.mirror
	c.mu.Unlock()

	if mirror != nil {
		if healthy, found := mirror.Get(ctx, service); found && healthy {
			c.mu.Lock()
			c.good[service] = time.Now().Add(c.ttl)
			c.mu.Unlock()
			return true
		}
	}

	healthy := c.probe(ctx, service)
	if healthy {
		c.mu.Lock()
		c.good[service] = time.Now().Add(c.ttl)
		c.mu.Unlock()
		if mirror != nil {
			mirror.Set(ctx, service, c.ttl)
		}
	}
	return healthy
}

// Invalidate clears every cached entry; called when a pipeline enters the
// analysis stage for the first time.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.good = map[string]time.Time{}
}

// EnsureHealthy probes with exponential backoff until service is healthy or
// deadline elapses, returning false in the latter case.
func (c *Cache) EnsureHealthy(ctx context.Context, service string, deadline time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if c.IsHealthy(ctx, service) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
