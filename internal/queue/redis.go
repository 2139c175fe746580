package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Redis-list backed queue. LPUSH + BRPOP gives FIFO delivery;
// consumers re-enqueue on failure, so delivery is at-least-once.
type RedisQueue struct {
	client *redis.Client
}

// NewRedis builds a queue over an existing Redis client.
func NewRedis(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload []byte) error {
	if err := q.client.LPush(ctx, name, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", name, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BRPop(ctx, timeout, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", name, err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: unexpected BRPOP reply length %d", len(res))
	}
	return []byte(res[1]), nil
}

func (q *RedisQueue) Len(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len %s: %w", name, err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return nil // client lifetime is owned by the caller
}
