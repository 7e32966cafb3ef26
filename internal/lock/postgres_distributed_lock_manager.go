package lock

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const lockTimeout = 5 * time.Second

// PostgresDistributedLockManager uses session-level advisory locks. All lock
// calls go through one dedicated connection because advisory locks belong to
// the session that took them.
type PostgresDistributedLockManager struct {
	db   *sql.DB
	mu   sync.Mutex
	conn *sql.Conn
	held map[int]bool
}

func NewPostgresDistributedLockManager(db *sql.DB) *PostgresDistributedLockManager {
	return &PostgresDistributedLockManager{
		db:   db,
		held: make(map[int]bool),
	}
}

func (l *PostgresDistributedLockManager) Acquire(ctx context.Context, lockID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[lockID] {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	conn, err := l.session(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to acquire lock")
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		l.resetSession()
		return errors.Wrap(err, "failed to acquire lock")
	}
	l.held[lockID] = true

	return nil
}

func (l *PostgresDistributedLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	if l.held[lockID] {
		// The lock lives as long as the session, so a live session means we
		// still hold it.
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		l.resetSession()
	}

	conn, err := l.session(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to try lock")
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&ok); err != nil {
		l.resetSession()
		return false, errors.Wrap(err, "failed to try lock")
	}
	if ok {
		l.held[lockID] = true
	}

	return ok, nil
}

func (l *PostgresDistributedLockManager) Release(ctx context.Context, lockID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held[lockID] {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	delete(l.held, lockID)
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID)
	if err != nil {
		l.resetSession()
		return errors.Wrap(err, "failed to release lock")
	}
	if len(l.held) == 0 {
		l.resetSession()
	}

	return nil
}

// Shutdown closes the lock session, which releases every lock it holds.
func (l *PostgresDistributedLockManager) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetSession()
	return nil
}

func (l *PostgresDistributedLockManager) session(ctx context.Context) (*sql.Conn, error) {
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	l.conn = conn
	return conn, nil
}

func (l *PostgresDistributedLockManager) resetSession() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.held = make(map[int]bool)
}
