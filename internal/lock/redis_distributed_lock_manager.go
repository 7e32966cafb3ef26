package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Refreshes the lease when we already own the key, otherwise tries to take it.
var acquireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDistributedLockManager implements leased locks on a redis key per
// lock id. A holder that stops refreshing loses the lock after ttl.
type RedisDistributedLockManager struct {
	client       redis.UniversalClient
	owner        string
	ttl          time.Duration
	prefix       string
	pollInterval time.Duration
	mu           sync.Mutex
}

func NewRedisDistributedLockManager(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDistributedLockManager {
	return &RedisDistributedLockManager{
		client:       client,
		owner:        uuid.NewString(),
		ttl:          ttl,
		prefix:       prefix,
		pollInterval: 200 * time.Millisecond,
	}
}

func (l *RedisDistributedLockManager) key(lockID int) string {
	return fmt.Sprintf("%s:lock:%d", l.prefix, lockID)
}

func (l *RedisDistributedLockManager) Acquire(ctx context.Context, lockID int) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx, lockID)
		if err != nil {
			return errors.Wrap(err, "failed to acquire lock")
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "failed to acquire lock")
		case <-ticker.C:
		}
	}
}

func (l *RedisDistributedLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := acquireScript.Run(ctx, l.client, []string{l.key(lockID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "failed to try lock")
	}
	return res == 1, nil
}

func (l *RedisDistributedLockManager) Release(ctx context.Context, lockID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := releaseScript.Run(ctx, l.client, []string{l.key(lockID)}, l.owner).Err(); err != nil {
		return errors.Wrap(err, "failed to release lock")
	}
	return nil
}

func (l *RedisDistributedLockManager) Shutdown() error {
	return l.client.Close()
}
