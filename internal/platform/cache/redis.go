package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Options selects the Redis instance shared by counters, caches and queues.
type Options struct {
	Addr string
	DB   int
}

// New creates a new Redis client.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// AsynqOpt returns the queue connection for the same Redis instance.
func (o Options) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, DB: o.DB}
}
