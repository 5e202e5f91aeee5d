package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores computed summaries. A miss is (Summary{}, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (Summary, bool, error)
	Set(ctx context.Context, key string, s Summary, ttl time.Duration) error
}

const summaryKeyPrefix = "hub:summary:"

// RedisCache keeps summaries in Redis with a TTL so several hub instances
// share one snapshot.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Summary, bool, error) {
	raw, err := c.client.Get(ctx, summaryKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, false, fmt.Errorf("decode cached summary: %w", err)
	}
	return s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, s Summary, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKeyPrefix+key, raw, ttl).Err()
}
