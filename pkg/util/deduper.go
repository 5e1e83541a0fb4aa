package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce 尝试占用 scope+id 的去重键
// 返回 true 表示首次处理，false 表示重复
func (d *Deduper) AcquireOnce(ctx context.Context, scope, id string) bool {
	if d == nil || d.rdb == nil {
		return true
	}
	key := DedupKey(scope, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理，持久层还有一道唯一约束
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// Release 删除去重键，用于处理失败后允许重投
func (d *Deduper) Release(ctx context.Context, scope, id string) {
	if d == nil || d.rdb == nil {
		return
	}
	if err := d.rdb.Del(ctx, DedupKey(scope, id)).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}

func DedupKey(scope, id string) string {
	return "dedup:" + scope + ":" + id
}
