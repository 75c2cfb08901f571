// Package cache holds short-lived shared state in Redis: job status for
// pollers, per-key rate-limit counters and worker device snapshots.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	PutDeviceSnapshot(ctx context.Context, worker string, snapshot []byte, ttl time.Duration) error
	DeviceSnapshots(ctx context.Context) (map[string][]byte, error)
}

// RedisCache implements Cache using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(jobID), status, ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// PutDeviceSnapshot stores one worker's device view. It disappears after ttl
// unless refreshed, so dead workers drop out.
func (c *RedisCache) PutDeviceSnapshot(ctx context.Context, worker string, snapshot []byte, ttl time.Duration) error {
	return c.client.Set(ctx, DeviceSnapshotKey(worker), snapshot, ttl).Err()
}

// DeviceSnapshots returns every live snapshot keyed by worker name.
func (c *RedisCache) DeviceSnapshots(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := c.client.Scan(ctx, 0, deviceSnapshotPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, found, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			out[strings.TrimPrefix(key, deviceSnapshotPrefix)] = val
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Cache = (*RedisCache)(nil)
