package health

import (
	"context"
	"time"
)

// Mirror backs the in-process positive-result cache with a cross-instance
// store, so a health probe one orchestrator process pays for is visible to
// its siblings immediately instead of each process paying TTL independently.
type Mirror interface {
	Get(ctx context.Context, service string) (healthy bool, found bool)
	Set(ctx context.Context, service string, ttl time.Duration)
}

// SetMirror attaches a cross-instance mirror. Safe to call once during
// startup before the cache is shared across goroutines; nil clears it.
func (c *Cache) SetMirror(m Mirror) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = m
}
