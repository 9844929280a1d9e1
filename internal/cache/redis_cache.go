package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasira/backend/internal/domain"
)

type RedisInsightCache struct {
	client *redis.Client
}

func NewRedisInsightCache(client *redis.Client) *RedisInsightCache {
	return &RedisInsightCache{client: client}
}

func (c *RedisInsightCache) Get(ctx context.Context, key string) (*domain.InsightReport, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.InsightReport
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisInsightCache) Set(ctx context.Context, key string, value *domain.InsightReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
