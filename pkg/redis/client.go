package redis

import (
	"context"
	"fmt"
	"time"

	"milestonepay/pkg/config"

	"github.com/redis/go-redis/v9"
)

var Rdb *redis.Client

// NewRedisClient 创建客户端并 ping 一次
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	Rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := Rdb.Ping(pingCtx).Err(); err != nil {
		return Rdb, fmt.Errorf("failed to ping redis: %w", err)
	}
	return Rdb, nil
}
