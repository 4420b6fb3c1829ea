package health

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror is the production Mirror, backing cross-instance health state
// in Redis the way the teacher's repository cache layer mirrors rows: a
// short-TTL key per service, present only while the service was last seen
// healthy.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror wraps client. keyPrefix namespaces keys when the Redis
// instance is shared with other consumers; an empty prefix is fine for a
// dedicated instance.
func NewRedisMirror(client *redis.Client, keyPrefix string) *RedisMirror {
	return &RedisMirror{client: client, prefix: keyPrefix}
}

func (m *RedisMirror) key(service string) string {
	return m.prefix + "health:" + service
}

// Get reports the mirrored health state for service. found is false both
// when the key is absent and when the Redis round trip itself fails, so a
// flaky mirror degrades to per-instance probing rather than masking outages.
func (m *RedisMirror) Get(ctx context.Context, service string) (healthy bool, found bool) {
	_, err := m.client.Get(ctx, m.key(service)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false
	}
	if err != nil {
		return false, false
	}
	return true, true
}

// Set marks service healthy in the mirror for ttl.
func (m *RedisMirror) Set(ctx context.Context, service string, ttl time.Duration) {
	m.client.Set(ctx, m.key(service), "1", ttl)
}
