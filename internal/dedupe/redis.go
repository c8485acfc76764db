// ABOUTME: Redis-backed dedupe guard for multi-instance gateway deployments
// ABOUTME: SET NX with expiry makes the mark atomic across processes

package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "relay:dedupe:"

// RedisGuard tracks delivery IDs in Redis so gateway replicas sharing an
// inbound channel agree on what has been seen. Redis expiry replaces the
// in-process sweep; there is no size cap beyond what Redis enforces.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard connects to Redis at addr and verifies the connection.
func NewRedisGuard(ctx context.Context, addr string, ttl time.Duration) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisGuard{client: client, ttl: ttl}, nil
}

// CheckAndMark claims id via SET NX. The first claimer in the TTL window
// sees false; everyone else sees true. On a Redis error the caller decides
// what to do; the gateway treats errors as "not seen" so a dedupe outage
// never drops user messages.
func (g *RedisGuard) CheckAndMark(ctx context.Context, id string) (bool, error) {
	claimed, err := g.client.SetNX(ctx, redisKeyPrefix+id, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("marking delivery id: %w", err)
	}
	return !claimed, nil
}

// Close releases the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
