package queue

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryCapacity = 10000

// MemoryQueue is a bounded in-process queue used when REDIS_URL is absent.
// Backpressure surfaces as a blocked Enqueue once a queue fills.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	closed chan struct{}
	once   sync.Once
	cap    int
}

// NewMemory creates an in-memory queue with the default per-queue capacity.
func NewMemory() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]chan []byte),
		closed: make(chan struct{}),
		cap:    defaultMemoryCapacity,
	}
}

func (q *MemoryQueue) channel(name string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan []byte, q.cap)
		q.queues[name] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case q.channel(name) <- buf:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-q.channel(name):
		return payload, nil
	case <-timer.C:
		return nil, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len(_ context.Context, name string) (int64, error) {
	return int64(len(q.channel(name))), nil
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
