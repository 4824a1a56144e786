package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bizdesk/api/internal/block"
)

// RedisCache shares resolved type versions between API instances. Published
// versions never change so entries only expire to bound memory.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: "blocktype:", ttl: ttl}
}

func (c *RedisCache) key(key string, version int) string {
	return fmt.Sprintf("%s%s:%d", c.prefix, key, version)
}

func (c *RedisCache) Get(ctx context.Context, key string, version int) (block.BlockType, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return block.BlockType{}, false, nil
	}
	if err != nil {
		return block.BlockType{}, false, fmt.Errorf("read block type cache: %w", err)
	}
	var t block.BlockType
	if err := json.Unmarshal(raw, &t); err != nil {
		return block.BlockType{}, false, fmt.Errorf("decode cached block type: %w", err)
	}
	return t, true, nil
}

func (c *RedisCache) Set(ctx context.Context, t block.BlockType) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode block type: %w", err)
	}
	if err := c.client.Set(ctx, c.key(t.Key, t.Version), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write block type cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
