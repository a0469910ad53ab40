package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vis-service/internal/database"

	"github.com/redis/go-redis/v9"
)

// RedisService bundles the Redis operations the service needs on top of a
// shared connection: rate limiting for the control API, event publishing and health checks.
type RedisService struct {
	client *database.RedisClient
}

func NewRedisService(client *database.RedisClient) *RedisService {
	return &RedisService{
		client: client,
	}
}

// =============================================================================
// Rate Limiting
// =============================================================================

// CheckRateLimit records one request under key and reports whether it still
// fits into limit requests per window (sliding window on a sorted set).
func (r *RedisService) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixNano()

	pipe := r.client.GetClient().Pipeline()

	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return count.Val() < int64(limit), nil
}

// =============================================================================
// Pub/Sub
// =============================================================================

func (r *RedisService) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return r.client.GetClient().Publish(ctx, channel, data).Err()
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}
