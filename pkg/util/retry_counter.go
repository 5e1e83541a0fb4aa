package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter 在 Redis 里按 key 记录失败次数，窗口由首次失败开始计算
type RetryCounter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRetryCounter(rdb redis.Cmdable, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet 计数加一并返回新值；INCR 和 EXPIRE NX 放在同一个 pipeline 里
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Reset 成功处理后清掉计数
func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// FormatRetryKey retry:<scope>:<id>
func FormatRetryKey(scope, id string) string {
	return "retry:" + scope + ":" + id
}
