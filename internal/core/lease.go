package core

import (
	"context"
	"time"
)

// Lease grants exclusive ownership of a key for a bounded time. Replicas
// sharing one store must share one lease backend.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// LocalLease grants every request. It is only correct for a single replica.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (LocalLease) Extend(context.Context, string, time.Duration) (bool, error)  { return true, nil }
func (LocalLease) Release(context.Context, string) error                        { return nil }

func runLeaseKey(runID string) string { return "run/" + runID }
