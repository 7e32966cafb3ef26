package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/samber/do"

	"jobdispatch/internal/lock"
)

var ErrNonLeader = errors.New("the elector is not leader")

var _ gocron.Elector = (*Elector)(nil)
var _ do.Shutdownable = (*Elector)(nil)

// Elector keeps one control-plane per scope publishing. Leadership is the
// possession of a lock from the configured lock manager, re-checked every
// interval. A failed check makes this process a follower until a later check
// succeeds.
type Elector struct {
	mu       sync.Mutex
	isLeader bool
	locks    lock.DistributedLockManager
	lockID   int
	logger   zerolog.Logger
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	failures int
}

func NewElector(
	locks lock.DistributedLockManager,
	lockID int,
	logger zerolog.Logger,
	interval time.Duration,
) *Elector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Elector{
		locks:    locks,
		lockID:   lockID,
		logger:   logger.With().Str("component", "scheduler_elector").Int("lock_id", lockID).Logger(),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start claims leadership if it can and keeps re-checking the claim until
// ctx ends or Shutdown is called.
func (e *Elector) Start(ctx context.Context) {
	e.check(ctx)

	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case <-ticker.C:
				e.check(ctx)
			}
		}
	}()
}

func (e *Elector) check(ctx context.Context) {
	err := e.checkClaim(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.failures = 0
		return
	}
	if ctx.Err() != nil {
		return
	}
	e.failures++
	e.logger.Error().Err(err).Int("consecutive_failures", e.failures).Msg("failed to check scheduler leadership, retrying")
}

func (e *Elector) IsLeader(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return ErrNonLeader
	}

	return nil
}

// Shutdown stops refreshing the claim and gives the lock up.
func (e *Elector) Shutdown() error {
	e.stopOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return nil
	}
	e.isLeader = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.locks.Release(ctx, e.lockID)
}

func (e *Elector) checkClaim(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	held, err := e.locks.TryAcquire(ctx, e.lockID)
	if err != nil {
		e.isLeader = false
		return errors.Wrap(err, "failed to claim scheduler leadership")
	}

	switch {
	case held && !e.isLeader:
		e.logger.Info().Msg("this process is the scheduler leader")
	case !held && e.isLeader:
		e.logger.Warn().Msg("lost scheduler leadership")
	}
	e.isLeader = held

	return nil
}
