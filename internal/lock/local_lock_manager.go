package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// LocalLockManager is an in-process DistributedLockManager for single-node
// deployments such as the sqlite store.
type LocalLockManager struct {
	mu    sync.Mutex
	locks map[int]*localLock
}

type localLock struct {
	sem   chan struct{}
	owned bool
}

func NewLocalLockManager() *LocalLockManager {
	return &LocalLockManager{locks: make(map[int]*localLock)}
}

func (l *LocalLockManager) get(lockID int) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[lockID]
	if !ok {
		lk = &localLock{sem: make(chan struct{}, 1)}
		l.locks[lockID] = lk
	}
	return lk
}

func (l *LocalLockManager) Acquire(ctx context.Context, lockID int) error {
	lk := l.get(lockID)

	l.mu.Lock()
	owned := lk.owned
	l.mu.Unlock()
	if owned {
		return nil
	}

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to acquire lock")
	}

	l.mu.Lock()
	lk.owned = true
	l.mu.Unlock()
	return nil
}

func (l *LocalLockManager) TryAcquire(_ context.Context, lockID int) (bool, error) {
	lk := l.get(lockID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if lk.owned {
		return true, nil
	}
	select {
	case lk.sem <- struct{}{}:
		lk.owned = true
		return true, nil
	default:
		return false, nil
	}
}

func (l *LocalLockManager) Release(_ context.Context, lockID int) error {
	lk := l.get(lockID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !lk.owned {
		return nil
	}
	lk.owned = false
	<-lk.sem
	return nil
}
