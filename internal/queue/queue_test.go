package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client)
}

func TestRedisQueue_FIFO(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Webhooks, []byte("a")))
	require.NoError(t, q.Enqueue(ctx, Webhooks, []byte("b")))

	n, err := q.Len(ctx, Webhooks)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	first, err := q.Dequeue(ctx, Webhooks, time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", string(first))

	second, err := q.Dequeue(ctx, Webhooks, time.Second)
	require.NoError(t, err)
	require.Equal(t, "b", string(second))
}

func TestRedisQueue_DequeueTimeout(t *testing.T) {
	q := newRedisQueue(t)
	payload, err := q.Dequeue(context.Background(), Webhooks, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestRedisQueue_IndependentQueues(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Webhooks, []byte("wh")))
	require.NoError(t, q.Enqueue(ctx, Alerts, []byte("al")))

	got, err := q.Dequeue(ctx, Alerts, time.Second)
	require.NoError(t, err)
	require.Equal(t, "al", string(got))
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemory()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Webhooks, []byte("one")))
	require.NoError(t, q.Enqueue(ctx, Webhooks, []byte("two")))

	got, err := q.Dequeue(ctx, Webhooks, time.Second)
	require.NoError(t, err)
	require.Equal(t, "one", string(got))
}

func TestMemoryQueue_TimeoutAndClose(t *testing.T) {
	q := NewMemory()

	payload, err := q.Dequeue(context.Background(), Webhooks, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, payload)

	require.NoError(t, q.Close())
	_, err = q.Dequeue(context.Background(), Webhooks, time.Second)
	require.ErrorIs(t, err, ErrClosed)
	err = q.Enqueue(context.Background(), Webhooks, []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueue_CopiesPayload(t *testing.T) {
	q := NewMemory()
	defer q.Close()
	ctx := context.Background()

	buf := []byte("mutate-me")
	require.NoError(t, q.Enqueue(ctx, Webhooks, buf))
	buf[0] = 'X'

	got, err := q.Dequeue(ctx, Webhooks, time.Second)
	require.NoError(t, err)
	require.Equal(t, "mutate-me", string(got))
}
