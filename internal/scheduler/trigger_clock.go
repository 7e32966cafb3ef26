package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"jobdispatch/internal/models"
	"jobdispatch/internal/publisher"
	"jobdispatch/internal/store"
)

// TickReport summarises one pass of the trigger clock.
type TickReport struct {
	Due       int
	Published int
	Failed    int
}

// TriggerClock publishes every due scheduler-mode job of one scope.
type TriggerClock struct {
	store     store.JobStore
	publisher *publisher.Publisher
	logger    zerolog.Logger
	scope     string
	loc       *time.Location
}

func NewTriggerClock(s store.JobStore, p *publisher.Publisher, logger zerolog.Logger, scope string, loc *time.Location) *TriggerClock {
	if loc == nil {
		loc = time.UTC
	}
	return &TriggerClock{
		store:     s,
		publisher: p,
		logger:    logger.With().Str("component", "trigger_clock").Str("scope", scope).Logger(),
		scope:     scope,
		loc:       loc,
	}
}

// Tick fires each job that is due at now exactly once. next_due_at is moved
// past now even when the publish fails, so a broker outage costs missed runs
// instead of a burst of backfilled ones.
func (c *TriggerClock) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	var report TickReport

	jobs, err := c.store.ListDueJobs(ctx, c.scope, now)
	if err != nil {
		return report, err
	}
	report.Due = len(jobs)

	for i := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if c.fire(ctx, &jobs[i], now) {
			report.Published++
		} else {
			report.Failed++
		}
	}

	if report.Due > 0 {
		c.logger.Debug().
			Int("due", report.Due).
			Int("published", report.Published).
			Int("failed", report.Failed).
			Msg("tick finished")
	}

	return report, nil
}

func (c *TriggerClock) fire(ctx context.Context, job *models.Job, now time.Time) bool {
	logger := c.logger.With().Str("job_id", job.JobID).Logger()

	next, err := NextDue(job, now, c.loc)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compute next due time")
		return false
	}

	msg, publishErr := c.publisher.PublishNow(ctx, job, models.TriggerScheduler, nil)
	if publishErr != nil {
		logger.Error().Err(publishErr).Msg("failed to publish due job, run missed")
	}

	if err := c.store.MarkPublished(ctx, job.Scope, job.JobID, next); err != nil {
		// left due, the next tick retries it
		logger.Error().Err(err).Msg("failed to mark job published")
		return false
	}
	if publishErr != nil {
		return false
	}

	logger.Info().
		Str("run_id", msg.RunID).
		Str("queue", job.Queue).
		Time("next_due_at", next).
		Msg("job triggered")
	return true
}
