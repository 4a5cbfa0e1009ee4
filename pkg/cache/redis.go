// ==============================================================================
// COMPLETE REDIS INTEGRATION - pkg/cache/redis.go
// ==============================================================================
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(url, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), dest)
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.client.Exists(ctx, key).Result()
	return result > 0, err
}

func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

func (c *RedisCache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}

// setIfGreaterScript atomically advances key to value only if the stored
// value (0 if absent) is strictly lower, setting its TTL only when it advances.
// Built on the same atomic single-writer primitive the idempotency
// middleware's SETNX lock relies on, generalized from "set once" to "set
// only if monotonically increasing" for the clearing engine's nonce table.
var setIfGreaterScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local candidate = tonumber(ARGV[1])
if candidate > current then
	redis.call("SET", KEYS[1], candidate, "EX", ARGV[2])
	return 1
end
return 0
`)

// SetIfGreater reports whether value was an advance over key's current
// value and, if so, atomically stores it with the given ttl. Used where a
// monotonic high-water mark must be shared across more than one process.
func (c *RedisCache) SetIfGreater(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	res, err := setIfGreaterScript.Run(ctx, c.client, []string{key}, value, int64(ttl.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
