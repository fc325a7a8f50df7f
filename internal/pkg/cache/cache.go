package cache

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/procmon/procmon/internal/pkg/config"
)

// NewClient creates the Redis client used by the delivery queue.
// A failed ping is logged but not fatal; go-redis reconnects on demand.
func NewClient(cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.CacheAddr(),
		Password: cfg.CachePassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", cfg.CacheAddr(), err)
	} else {
		log.Infof("[Cache] Connected to Redis at %s", cfg.CacheAddr())
	}
	return client
}
