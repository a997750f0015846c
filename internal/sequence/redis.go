package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "voyageos:sequence:"

// RedisCounter increments one Redis key per series.
type RedisCounter struct {
	client *redis.Client
	seeder Seeder
}

// NewRedisCounter constructs a Redis backed counter.
func NewRedisCounter(client *redis.Client, seeder Seeder) *RedisCounter {
	return &RedisCounter{client: client, seeder: seeder}
}

// Next implements Counter.
func (c *RedisCounter) Next(ctx context.Context, t DocType) (int64, error) {
	key := redisKeyPrefix + string(t)
	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("exists: %w", err)
	}
	if exists == 0 {
		var base int64
		if c.seeder != nil {
			last, count, err := c.seeder.LastIssued(ctx, t)
			if err != nil {
				return 0, fmt.Errorf("seed: %w", err)
			}
			base = NextFromLast(last, count) - 1
		}
		// SETNX keeps the first seeder's value when callers race here.
		if err := c.client.SetNX(ctx, key, base, 0).Err(); err != nil {
			return 0, fmt.Errorf("seed: %w", err)
		}
	}
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr: %w", err)
	}
	return n, nil
}
