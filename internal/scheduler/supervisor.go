package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"jobdispatch/internal/models"
	"jobdispatch/internal/publisher"
	"jobdispatch/internal/store"
)

// Supervisor looks for queue-mode jobs whose chain has gone quiet. Nothing
// else notices when a worker dies between ack and reschedule.
type Supervisor struct {
	store       store.JobStore
	publisher   *publisher.Publisher
	logger      zerolog.Logger
	scope       string
	staleFactor float64
	reseed      bool
}

func NewSupervisor(
	s store.JobStore,
	p *publisher.Publisher,
	logger zerolog.Logger,
	scope string,
	staleFactor float64,
	reseed bool,
) *Supervisor {
	if staleFactor < 1 {
		staleFactor = 1
	}
	return &Supervisor{
		store:       s,
		publisher:   p,
		logger:      logger.With().Str("component", "supervisor").Str("scope", scope).Logger(),
		scope:       scope,
		staleFactor: staleFactor,
		reseed:      reseed,
	}
}

// IsOrphaned reports whether job has missed staleFactor cadences.
func IsOrphaned(job *models.Job, now time.Time, staleFactor float64) bool {
	if job.RescheduleMode != models.ModeQueue || !job.Enabled {
		return false
	}
	interval := job.Interval()
	if interval <= 0 {
		return false
	}
	return now.After(job.NextDueAt.Add(time.Duration(staleFactor * float64(interval))))
}

// Check returns the orphaned jobs of the scope, re-seeding them when
// configured to.
func (s *Supervisor) Check(ctx context.Context, now time.Time) ([]models.Job, error) {
	jobs, err := s.store.ListJobsByMode(ctx, s.scope, models.ModeQueue)
	if err != nil {
		return nil, err
	}

	var orphans []models.Job
	for i := range jobs {
		job := &jobs[i]
		if !IsOrphaned(job, now, s.staleFactor) {
			continue
		}
		orphans = append(orphans, *job)

		s.logger.Warn().
			Str("job_id", job.JobID).
			Str("queue", job.Queue).
			Time("next_due_at", job.NextDueAt).
			Dur("silent_for", now.Sub(job.NextDueAt)).
			Msg("queue-mode job looks orphaned")

		if s.reseed {
			s.reseedJob(ctx, job, now)
		}
	}

	return orphans, nil
}

func (s *Supervisor) reseedJob(ctx context.Context, job *models.Job, now time.Time) {
	msg, err := s.publisher.SeedChain(ctx, job, models.TriggerStartup)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to re-seed orphaned job")
		return
	}
	if err := s.store.MarkPublished(ctx, job.Scope, job.JobID, now.Add(job.Interval())); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to mark re-seeded job")
		return
	}
	s.logger.Info().Str("job_id", job.JobID).Str("run_id", msg.RunID).Msg("re-seeded orphaned job")
}
