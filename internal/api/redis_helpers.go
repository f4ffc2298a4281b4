package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// incrWithTTL 计数加一，并在键还没有过期时间时设置 ttl。
// 使用 EXPIRE NX，上一次 Expire 丢失时计数键也不会永久存在。
func incrWithTTL(ctx context.Context, client redisCounter, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl > 0 {
		_ = client.ExpireNX(ctx, key, ttl).Err()
	}
	return count, nil
}
