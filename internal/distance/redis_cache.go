package distance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCache keeps distance results in Redis with a TTL.
type RedisCache struct {
	rdb    *redis.Client
	TTL    time.Duration
	Prefix string
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, TTL: ttl, Prefix: "coldchain:dist:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Result, bool, error) {
	raw, err := c.rdb.Get(ctx, c.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, false, err
	}
	return r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, r Result) error {
	b, _ := json.Marshal(r)
	return c.rdb.Set(ctx, c.Prefix+key, b, c.TTL).Err()
}
