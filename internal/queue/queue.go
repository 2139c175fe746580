// Package queue provides the durable work queues connecting the webhook
// receiver to the ingestion workers and the detection engine to the alert
// dispatchers. Redis backs the queue when available; a bounded in-memory
// queue keeps single-process deployments working without it.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue: closed")

// Queue is an at-least-once FIFO work queue. Dequeue blocks up to timeout and
// returns (nil, nil) when no job arrived.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte) error
	Dequeue(ctx context.Context, name string, timeout time.Duration) ([]byte, error)
	Len(ctx context.Context, name string) (int64, error)
	Close() error
}

// Well-known queue names.
const (
	Webhooks = "revguard:queue:webhooks"
	Alerts   = "revguard:queue:alerts"
)
