package lock

import "context"

// DistributedLockManager hands out numbered locks shared by every process
// pointed at the same backend. Locks are re-entrant for the holder.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held or ctx ends.
	Acquire(ctx context.Context, lockID int) error
	// TryAcquire takes the lock if it is free and reports whether this
	// manager holds it afterwards.
	TryAcquire(ctx context.Context, lockID int) (bool, error)
	Release(ctx context.Context, lockID int) error
}
