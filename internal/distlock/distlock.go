// Package distlock provides advisory locks for serializing backfill runs and
// scheduled scans. Redis (SET NX with TTL) coordinates across processes; the
// in-memory locker covers single-process deployments without Redis.
package distlock

import (
	"context"
	"time"
)

// Locker acquires named advisory locks. Acquire returns false without error
// when the lock is already held elsewhere. The TTL bounds the lease so a
// crashed holder cannot wedge the system.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
