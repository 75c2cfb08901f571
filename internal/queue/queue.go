// Package queue is the Redis list transport between the intake API and the workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// Channel names one job queue and the key prefix its results are pushed under.
type Channel struct {
	Queue        string
	ResultPrefix string
}

// ResultKey is ResultPrefix + request id.
func (c Channel) ResultKey(requestID uuid.UUID) string {
	return c.ResultPrefix + requestID.String()
}

var (
	ExtractChannel  = Channel{Queue: "mineru_task_queue", ResultPrefix: "mineru_task_result:"}
	ImageChannel    = Channel{Queue: "image_description_queue", ResultPrefix: "image_desc_result:"}
	CombinedChannel = Channel{Queue: "combined_task_queue", ResultPrefix: "combined_task_result:"}
)

// ChannelFor returns the channel that serves kind.
func ChannelFor(kind models.JobKind) (Channel, error) {
	switch kind {
	case models.JobKindExtract:
		return ExtractChannel, nil
	case models.JobKindImage:
		return ImageChannel, nil
	case models.JobKindCombined:
		return CombinedChannel, nil
	}
	return Channel{}, fmt.Errorf("unknown job kind %q", kind)
}

// Queue is the transport contract used by the API and the consumers.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
	// Dequeue blocks up to timeout and returns nil, nil when nothing arrived.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	PushResult(ctx context.Context, key string, payload []byte) error
	// PopResult blocks up to timeout and returns nil, nil when nothing arrived.
	PopResult(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Ping(ctx context.Context) error
}

// RedisQueue implements Queue with RPUSH/BLPOP.
type RedisQueue struct {
	client    *redis.Client
	resultTTL time.Duration
}

// NewRedisQueue creates a RedisQueue from a Redis URL. Result lists expire
// after resultTTL; zero keeps them until popped.
func NewRedisQueue(redisURL string, resultTTL time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	// BLPOP holds the connection for its full timeout.
	opts.ReadTimeout = -1
	return &RedisQueue{client: redis.NewClient(opts), resultTTL: resultTTL}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload []byte) error {
	return q.client.RPush(ctx, queue, payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	return q.blpop(ctx, queue, timeout)
}

func (q *RedisQueue) PushResult(ctx context.Context, key string, payload []byte) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if q.resultTTL > 0 {
		pipe.Expire(ctx, key, q.resultTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) PopResult(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	return q.blpop(ctx, key, timeout)
}

func (q *RedisQueue) blpop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	vals, err := q.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// vals is [key, value].
	return []byte(vals[1]), nil
}

var _ Queue = (*RedisQueue)(nil)
