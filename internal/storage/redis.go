package storage

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/cloudmesh-io/cmp/internal/config"
)

// NewRedisClient connects to Redis using the configured address. A nil
// client with no error is returned when Redis is not configured; callers
// degrade to live-only delivery in that case.
func NewRedisClient(ctx context.Context, cfg *config.Redis) (*redis.Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
