package scheduler

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"jobdispatch/internal/broker"
	"jobdispatch/internal/constants"
	"jobdispatch/internal/custom_errors"
	"jobdispatch/internal/models"
	"jobdispatch/internal/parser"
	"jobdispatch/internal/publisher"
	"jobdispatch/internal/state"
	"jobdispatch/internal/store"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,128}$`)

// JobManager implements the control operations on jobs. Every operation is
// a handful of single-row store writes plus best-effort broker calls.
type JobManager struct {
	store     store.JobStore
	broker    broker.MessageBroker
	publisher *publisher.Publisher
	logger    zerolog.Logger
	scope     string
	loc       *time.Location
	now       func() time.Time
}

func NewJobManager(
	s store.JobStore,
	b broker.MessageBroker,
	p *publisher.Publisher,
	logger zerolog.Logger,
	scope string,
	loc *time.Location,
) *JobManager {
	if loc == nil {
		loc = time.UTC
	}
	return &JobManager{
		store:     s,
		broker:    b,
		publisher: p,
		logger:    logger.With().Str("component", "job_manager").Logger(),
		scope:     scope,
		loc:       loc,
		now:       time.Now,
	}
}

// Scope returns scope, or the manager's default scope when it is empty.
func (m *JobManager) Scope(scope string) string {
	if scope == "" {
		return m.scope
	}
	return scope
}

func validateDefinition(def *models.JobDefinition) error {
	var v custom_errors.ValidationError

	if !jobIDPattern.MatchString(def.JobID) {
		v.Addf("job_id %q must be 3-128 characters of letters, digits, '.', '_' or '-'", def.JobID)
	}
	if !def.RescheduleMode.Valid() {
		v.Addf("reschedule_mode must be %q or %q", models.ModeScheduler, models.ModeQueue)
	}

	hasCron := def.CronExpr != nil && *def.CronExpr != ""
	hasInterval := def.IntervalSecs != nil
	if !hasCron && !hasInterval {
		v.Addf("either cron_expr or interval_seconds is required")
	}
	if hasCron {
		if err := parser.ValidateCron(*def.CronExpr); err != nil {
			v.Add(err)
		}
	}
	if hasInterval && *def.IntervalSecs < constants.MinIntervalSeconds {
		v.Addf("interval_seconds must be >= %d", constants.MinIntervalSeconds)
	}
	if def.RescheduleMode == models.ModeQueue && !hasInterval {
		v.Addf("queue mode requires interval_seconds")
	}
	if def.MaxParallel < 0 {
		v.Addf("max_parallel must be >= 1")
	}
	if def.TimeoutSec != 0 && def.TimeoutSec < constants.MinTimeoutSec {
		v.Addf("timeout_sec must be >= %d", constants.MinTimeoutSec)
	}
	if def.RetryLimit != nil && *def.RetryLimit < 0 {
		v.Addf("retry_limit must be >= 0")
	}

	return v.OrNil()
}

// nextDue computes the first due time of a scheduler-mode job after now.
func (m *JobManager) nextDue(job *models.Job, now time.Time) (time.Time, error) {
	return NextDue(job, now, m.loc)
}

// NextDue returns the next trigger time strictly after now: the next cron
// occurrence in loc when the job has a cron expression, otherwise
// now + interval_seconds.
func NextDue(job *models.Job, now time.Time, loc *time.Location) (time.Time, error) {
	if job.HasCron() {
		next, err := parser.NextRun(*job.CronExpr, now, loc)
		if err != nil {
			return time.Time{}, err
		}
		return next.UTC(), nil
	}
	if interval := job.Interval(); interval > 0 {
		return now.Add(interval).UTC(), nil
	}
	return time.Time{}, errors.Newf("job %s has neither cron_expr nor interval_seconds", job.JobID)
}

func scheduleChanged(old, new *models.Job) bool {
	if old.RescheduleMode != new.RescheduleMode {
		return true
	}
	if old.HasCron() != new.HasCron() || (old.HasCron() && *old.CronExpr != *new.CronExpr) {
		return true
	}
	return old.Interval() != new.Interval()
}

// UpsertJob creates or replaces a job definition. It returns the stored job
// and whether it was created.
//
// A new enabled queue-mode job gets its seed message. Switching an enabled
// job into queue mode seeds it too; switching out of queue mode drops the
// pending chain link from the delay queue. An update that leaves enabled
// unset keeps the job's current state, and a job's queue is fixed once
// created.
func (m *JobManager) UpsertJob(ctx context.Context, def models.JobDefinition) (*models.Job, bool, error) {
	def.Scope = m.Scope(def.Scope)
	if def.RescheduleMode == "" {
		def.RescheduleMode = models.ModeScheduler
	}
	if err := validateDefinition(&def); err != nil {
		return nil, false, err
	}

	existing, err := m.store.GetJob(ctx, def.Scope, def.JobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return nil, false, err
	}
	created := existing == nil

	job := jobFromDefinition(def)
	if !created {
		// enabled is only changed when the definition says so
		if def.Enabled == nil {
			job.Enabled = existing.Enabled
		}
		if strings.TrimSpace(def.Queue) == "" {
			job.Queue = existing.Queue
		}
		if job.Queue != existing.Queue {
			var v custom_errors.ValidationError
			v.Addf("queue of job %s is %s and cannot be changed; delete and recreate the job instead", job.JobID, existing.Queue)
			return nil, false, v.OrNil()
		}
	}
	now := m.now()

	switch {
	case !created && !scheduleChanged(existing, job):
		job.NextDueAt = existing.NextDueAt
	case job.RescheduleMode == models.ModeQueue:
		job.NextDueAt = now.Add(job.Interval()).UTC()
	default:
		next, err := m.nextDue(job, now)
		if err != nil {
			return nil, false, err
		}
		job.NextDueAt = next
	}
	reenabled := !created && !existing.Enabled && job.Enabled

	// re-enabling through an update behaves like resume
	switch {
	case reenabled && job.RescheduleMode == models.ModeQueue:
		job.NextDueAt = now.Add(job.Interval()).UTC()
	case reenabled && job.NextDueAt.Before(now):
		next, err := m.nextDue(job, now)
		if err != nil {
			return nil, false, err
		}
		job.NextDueAt = next
	}

	if err := m.broker.DeclareJobQueues(ctx, job.Queue); err != nil {
		return nil, false, errors.Wrapf(err, "failed to declare queues for %s", job.JobID)
	}
	if err := m.store.UpsertJob(ctx, job); err != nil {
		return nil, false, err
	}

	enteredQueueMode := job.RescheduleMode == models.ModeQueue &&
		(created || existing.RescheduleMode != models.ModeQueue || !existing.Enabled)
	leftQueueMode := !created && existing.RescheduleMode == models.ModeQueue && job.RescheduleMode != models.ModeQueue
	disabled := !created && existing.Enabled && !job.Enabled

	switch {
	case disabled:
		m.purgeQueues(ctx, existing)
		if err := m.store.SetEnabled(ctx, job.Scope, job.JobID, false); err != nil {
			return nil, false, err
		}
	case reenabled && job.RescheduleMode == models.ModeQueue:
		m.purgeQueues(ctx, job)
	case leftQueueMode:
		m.purgeQueue(ctx, existing, broker.DelayQueueName(existing.Queue))
	}
	if job.Enabled && enteredQueueMode {
		if _, err := m.publisher.SeedChain(ctx, job, models.TriggerStartup); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to seed queue-mode job")
		}
	}

	m.logger.Info().
		Str("job_id", job.JobID).
		Str("scope", job.Scope).
		Str("reschedule_mode", string(job.RescheduleMode)).
		Bool("created", created).
		Time("next_due_at", job.NextDueAt).
		Msg("job upserted")

	stored, err := m.store.GetJob(ctx, job.Scope, job.JobID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func jobFromDefinition(def models.JobDefinition) *models.Job {
	job := &models.Job{
		JobID:          def.JobID,
		Scope:          def.Scope,
		RescheduleMode: def.RescheduleMode,
		CronExpr:       def.CronExpr,
		IntervalSecs:   def.IntervalSecs,
		Queue:          broker.ScopedQueueName(def.Scope, def.Queue, def.JobID),
		Enabled:        true,
		MaxParallel:    def.MaxParallel,
		DefaultParams:  def.DefaultParams,
		TimeoutSec:     def.TimeoutSec,
		RetryLimit:     constants.DefaultRetryLimit,
		Description:    def.Description,
		TelemetryLabel: def.TelemetryLabel,
	}
	if job.CronExpr != nil && *job.CronExpr == "" {
		job.CronExpr = nil
	}
	if def.Enabled != nil {
		job.Enabled = *def.Enabled
	}
	if job.MaxParallel == 0 {
		job.MaxParallel = constants.DefaultMaxParallel
	}
	if job.TimeoutSec == 0 {
		job.TimeoutSec = constants.DefaultTimeoutSec
	}
	if def.RetryLimit != nil {
		job.RetryLimit = *def.RetryLimit
	}
	if job.DefaultParams == nil {
		job.DefaultParams = map[string]any{}
	}
	if job.TelemetryLabel == "" {
		job.TelemetryLabel = def.JobID
	}
	return job
}

func (m *JobManager) GetJob(ctx context.Context, scope, jobID string) (*models.Job, error) {
	return m.store.GetJob(ctx, m.Scope(scope), jobID)
}

func (m *JobManager) ListJobs(ctx context.Context, scope string, page, pageSize int) (*models.PaginationResult[models.Job], error) {
	if pageSize <= 0 {
		pageSize = constants.DefaultPageSize
	}
	if pageSize > constants.MaxPageSize {
		pageSize = constants.MaxPageSize
	}
	return m.store.ListJobs(ctx, m.Scope(scope), page, pageSize)
}

func (m *JobManager) Stats(ctx context.Context, scope string) (map[state.JobStatus]int, error) {
	return m.store.CountJobsGroupedByStatus(ctx, m.Scope(scope))
}

// DeleteJob removes the job and, best effort, its queues.
func (m *JobManager) DeleteJob(ctx context.Context, scope, jobID string) error {
	job, err := m.store.GetJob(ctx, m.Scope(scope), jobID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteJob(ctx, job.Scope, job.JobID); err != nil {
		return err
	}

	for _, q := range []string{job.Queue, broker.DelayQueueName(job.Queue)} {
		if err := m.broker.DeleteQueue(ctx, q); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.JobID).Str("queue", q).Msg("failed to delete queue")
		}
	}

	m.logger.Info().Str("job_id", job.JobID).Str("scope", job.Scope).Msg("job deleted")
	return nil
}

// RunNow publishes one manual message without touching next_due_at. For a
// queue-mode job it is an extra, off-cycle run that leaves the chain alone.
func (m *JobManager) RunNow(ctx context.Context, scope, jobID string, params map[string]any) (*models.JobMessage, error) {
	job, err := m.store.GetJob(ctx, m.Scope(scope), jobID)
	if err != nil {
		return nil, err
	}

	msg, err := m.publisher.PublishNow(ctx, job, models.TriggerManual, params)
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("job_id", job.JobID).Str("run_id", msg.RunID).Msg("manual run published")
	return msg, nil
}

// PauseJob disables the job. Queue-mode jobs also lose whatever is waiting
// on their queues, which ends the chain. Pausing a paused job is a no-op.
func (m *JobManager) PauseJob(ctx context.Context, scope, jobID string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, m.Scope(scope), jobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return job, nil
	}

	if err := m.store.SetEnabled(ctx, job.Scope, job.JobID, false); err != nil {
		return nil, err
	}
	if job.RescheduleMode == models.ModeQueue {
		m.purgeQueues(ctx, job)
	}

	m.logger.Info().Str("job_id", job.JobID).Str("scope", job.Scope).Msg("job paused")
	return m.store.GetJob(ctx, job.Scope, job.JobID)
}

// ResumeJob enables the job. A queue-mode job gets exactly one fresh seed
// message; a scheduler-mode job whose due time passed while paused is moved
// to its next occurrence instead of firing a backlog. Resuming an enabled
// job is a no-op.
func (m *JobManager) ResumeJob(ctx context.Context, scope, jobID string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, m.Scope(scope), jobID)
	if err != nil {
		return nil, err
	}
	if job.Enabled {
		return job, nil
	}

	now := m.now()
	switch job.RescheduleMode {
	case models.ModeQueue:
		// a worker finishing a run during the pause may have re-published
		m.purgeQueues(ctx, job)
		if err := m.store.AdvanceNextDue(ctx, job.Scope, job.JobID, now.Add(job.Interval())); err != nil {
			return nil, err
		}
	default:
		if job.NextDueAt.Before(now) {
			next, err := m.nextDue(job, now)
			if err != nil {
				return nil, err
			}
			if err := m.store.AdvanceNextDue(ctx, job.Scope, job.JobID, next); err != nil {
				return nil, err
			}
		}
	}

	if err := m.store.SetEnabled(ctx, job.Scope, job.JobID, true); err != nil {
		return nil, err
	}
	if job.RescheduleMode == models.ModeQueue {
		job.Enabled = true
		if _, err := m.publisher.SeedChain(ctx, job, models.TriggerManual); err != nil {
			return nil, errors.Wrapf(err, "job %s resumed but seeding failed", job.JobID)
		}
	}

	m.logger.Info().Str("job_id", job.JobID).Str("scope", job.Scope).Msg("job resumed")
	return m.store.GetJob(ctx, job.Scope, job.JobID)
}

// MarkJobRun records a worker's completion report. For queue-mode jobs the
// expected next completion moves to at + interval, which the supervisor
// watches.
func (m *JobManager) MarkJobRun(ctx context.Context, scope, jobID string, report models.RunReport) (*models.Job, error) {
	status, ok := state.ParseRunStatus(report.Status)
	if !ok {
		var v custom_errors.ValidationError
		v.Addf("status %q must be one of %v", report.Status, state.ReportableStatuses)
		return nil, &v
	}

	job, err := m.store.GetJob(ctx, m.Scope(scope), jobID)
	if err != nil {
		return nil, err
	}

	at := m.now()
	if err := m.store.MarkRun(ctx, job.Scope, job.JobID, status, report.Error, at); err != nil {
		return nil, err
	}
	if job.RescheduleMode == models.ModeQueue && job.Enabled {
		if err := m.store.AdvanceNextDue(ctx, job.Scope, job.JobID, at.Add(job.Interval())); err != nil {
			return nil, err
		}
	}

	ev := m.logger.Info()
	if status == state.StatusFailed {
		ev = m.logger.Warn()
	}
	ev.Str("job_id", job.JobID).Str("status", string(status)).Msg("run reported")

	return m.store.GetJob(ctx, job.Scope, job.JobID)
}

func (m *JobManager) purgeQueues(ctx context.Context, job *models.Job) {
	m.purgeQueue(ctx, job, job.Queue)
	m.purgeQueue(ctx, job, broker.DelayQueueName(job.Queue))
}

func (m *JobManager) purgeQueue(ctx context.Context, job *models.Job, queue string) {
	n, err := m.broker.Purge(ctx, queue)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.JobID).Str("queue", queue).Msg("failed to purge queue")
		return
	}
	if n > 0 {
		m.logger.Info().Str("job_id", job.JobID).Str("queue", queue).Int("purged", n).Msg("purged queue")
	}
}
