package admission

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a SharedCounter backed by Redis, so max_connections can be
// enforced across a fleet of server processes behind one load balancer
// rather than per-process (SPEC_FULL.md §2).
type RedisCounter struct {
	client *redis.Client
	key    string
	max    int64
	ttl    time.Duration
}

// NewRedisCounter creates a RedisCounter using key as the shared counter's
// name and max as the fleet-wide connection budget. ttl bounds how long a
// reservation survives a crashed process that never called Release.
func NewRedisCounter(client *redis.Client, key string, max int64, ttl time.Duration) *RedisCounter {
	return &RedisCounter{client: client, key: key, max: max, ttl: ttl}
}

// Reserve atomically increments the shared counter and reports whether the
// result stays within the budget; if not, it decrements back out.
func (r *RedisCounter) Reserve(ctx context.Context) (bool, error) {
	n, err := r.client.Incr(ctx, r.key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 && r.ttl > 0 {
		r.client.Expire(ctx, r.key, r.ttl)
	}
	if n > r.max {
		r.client.Decr(ctx, r.key)
		return false, nil
	}
	return true, nil
}

// Release decrements the shared counter.
func (r *RedisCounter) Release(ctx context.Context) {
	n, err := r.client.Decr(ctx, r.key).Result()
	if err == nil && n < 0 {
		// Guard against a stray extra Release (e.g. a crashed peer's TTL
		// expiring concurrently with this one's decrement) driving the
		// shared counter permanently negative.
		r.client.Set(ctx, r.key, 0, 0)
	}
}
