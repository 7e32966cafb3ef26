package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"jobdispatch/internal/models"
	"jobdispatch/internal/state"
	"jobdispatch/internal/store"
)

const jobColumns = `scope, job_id, reschedule_mode, cron_expr, interval_seconds, queue, enabled,
	max_parallel, default_params, timeout_sec, retry_limit, description, telemetry_label,
	next_due_at, last_run_at, last_status, last_error, created_at, updated_at`

var _ store.JobStore = (*JobStore)(nil)

// JobStore is the database/sql implementation of store.JobStore.
type JobStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewJobStore(db *sql.DB, dialect Dialect) *JobStore {
	return &JobStore{db: db, dialect: dialect, now: time.Now}
}

// dbTime normalises timestamps before they are written: UTC, whole seconds.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func (s *JobStore) UpsertJob(ctx context.Context, job *models.Job) error {
	params := job.DefaultParams
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal default params")
	}

	now := dbTime(s.now())
	query := s.dialect.Rebind(`
		INSERT INTO scheduler_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
		ON CONFLICT (scope, job_id) DO UPDATE SET
			reschedule_mode = excluded.reschedule_mode,
			cron_expr = excluded.cron_expr,
			interval_seconds = excluded.interval_seconds,
			queue = excluded.queue,
			enabled = excluded.enabled,
			max_parallel = excluded.max_parallel,
			default_params = excluded.default_params,
			timeout_sec = excluded.timeout_sec,
			retry_limit = excluded.retry_limit,
			description = excluded.description,
			telemetry_label = excluded.telemetry_label,
			next_due_at = excluded.next_due_at,
			updated_at = excluded.updated_at
	`)

	_, err = s.db.ExecContext(ctx, query,
		job.Scope, job.JobID, string(job.RescheduleMode), nullString(job.CronExpr), nullInt(job.IntervalSecs),
		job.Queue, job.Enabled, job.MaxParallel, string(paramsJSON), job.TimeoutSec, job.RetryLimit,
		job.Description, job.TelemetryLabel, dbTime(job.NextDueAt), now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert job %s/%s", job.Scope, job.JobID)
	}

	return nil
}

func (s *JobStore) GetJob(ctx context.Context, scope, jobID string) (*models.Job, error) {
	query := s.dialect.Rebind(`SELECT ` + jobColumns + ` FROM scheduler_jobs WHERE scope = ? AND job_id = ?`)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, scope, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrJobNotFound, "%s/%s", scope, jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s/%s", scope, jobID)
	}

	return job, nil
}

func (s *JobStore) ListJobs(ctx context.Context, scope string, page, pageSize int) (*models.PaginationResult[models.Job], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var totalItems int
	countQuery := s.dialect.Rebind(`SELECT COUNT(*) FROM scheduler_jobs WHERE scope = ?`)
	if err := s.db.QueryRowContext(ctx, countQuery, scope).Scan(&totalItems); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	selectQuery := s.dialect.Rebind(`
		SELECT ` + jobColumns + `
		FROM scheduler_jobs
		WHERE scope = ?
		ORDER BY job_id ASC
		LIMIT ? OFFSET ?`)

	jobs, err := s.queryJobs(ctx, selectQuery, scope, pageSize, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}

	return models.NewPaginationResult(jobs, totalItems, page, pageSize), nil
}

func (s *JobStore) ListDueJobs(ctx context.Context, scope string, now time.Time) ([]models.Job, error) {
	query := s.dialect.Rebind(`
		SELECT ` + jobColumns + `
		FROM scheduler_jobs
		WHERE scope = ?
		  AND enabled = ?
		  AND reschedule_mode = ?
		  AND next_due_at <= ?
		ORDER BY next_due_at ASC, job_id ASC`)

	jobs, err := s.queryJobs(ctx, query, scope, true, string(models.ModeScheduler), dbTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}

	return jobs, nil
}

func (s *JobStore) ListJobsByMode(ctx context.Context, scope string, mode models.RescheduleMode) ([]models.Job, error) {
	query := s.dialect.Rebind(`
		SELECT ` + jobColumns + `
		FROM scheduler_jobs
		WHERE scope = ? AND enabled = ? AND reschedule_mode = ?
		ORDER BY job_id ASC`)

	jobs, err := s.queryJobs(ctx, query, scope, true, string(mode))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s-mode jobs", mode)
	}

	return jobs, nil
}

func (s *JobStore) MarkPublished(ctx context.Context, scope, jobID string, nextDue time.Time) error {
	next := dbTime(nextDue)
	query := s.dialect.Rebind(`
		UPDATE scheduler_jobs
		SET next_due_at = CASE WHEN next_due_at > ? THEN next_due_at ELSE ? END,
		    last_status = ?,
		    updated_at = ?
		WHERE scope = ? AND job_id = ?`)

	return s.execOne(ctx, "mark job published", scope, jobID, query,
		next, next, string(state.StatusQueued), dbTime(s.now()), scope, jobID)
}

func (s *JobStore) AdvanceNextDue(ctx context.Context, scope, jobID string, nextDue time.Time) error {
	next := dbTime(nextDue)
	query := s.dialect.Rebind(`
		UPDATE scheduler_jobs
		SET next_due_at = CASE WHEN next_due_at > ? THEN next_due_at ELSE ? END,
		    updated_at = ?
		WHERE scope = ? AND job_id = ?`)

	return s.execOne(ctx, "advance next due", scope, jobID, query,
		next, next, dbTime(s.now()), scope, jobID)
}

func (s *JobStore) MarkRun(ctx context.Context, scope, jobID string, status state.JobStatus, errMsg *string, at time.Time) error {
	query := s.dialect.Rebind(`
		UPDATE scheduler_jobs
		SET last_run_at = ?, last_status = ?, last_error = ?, updated_at = ?
		WHERE scope = ? AND job_id = ?`)

	return s.execOne(ctx, "mark job run", scope, jobID, query,
		dbTime(at), string(status), nullString(errMsg), dbTime(s.now()), scope, jobID)
}

func (s *JobStore) SetEnabled(ctx context.Context, scope, jobID string, enabled bool) error {
	query := s.dialect.Rebind(`
		UPDATE scheduler_jobs
		SET enabled = ?,
		    last_status = CASE WHEN ? THEN last_status ELSE ? END,
		    updated_at = ?
		WHERE scope = ? AND job_id = ?`)

	return s.execOne(ctx, "set job enabled", scope, jobID, query,
		enabled, enabled, string(state.StatusPaused), dbTime(s.now()), scope, jobID)
}

func (s *JobStore) DeleteJob(ctx context.Context, scope, jobID string) error {
	query := s.dialect.Rebind(`DELETE FROM scheduler_jobs WHERE scope = ? AND job_id = ?`)
	return s.execOne(ctx, "delete job", scope, jobID, query, scope, jobID)
}

func (s *JobStore) CountJobsGroupedByStatus(ctx context.Context, scope string) (map[state.JobStatus]int, error) {
	query := s.dialect.Rebind(`
		SELECT last_status, COUNT(*)
		FROM scheduler_jobs
		WHERE scope = ? AND last_status IS NOT NULL
		GROUP BY last_status`)

	rows, err := s.db.QueryContext(ctx, query, scope)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[state.JobStatus]int, len(state.AllStatuses))
	for _, status := range state.AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[state.JobStatus(status)] = count
	}

	return counts, errors.Wrap(rows.Err(), "failed to iterate status counts")
}

func (s *JobStore) Close() error {
	return s.db.Close()
}

func (s *JobStore) execOne(ctx context.Context, op, scope, jobID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to %s %s/%s", op, scope, jobID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to %s %s/%s", op, scope, jobID)
	}
	if affected == 0 {
		return errors.Wrapf(store.ErrJobNotFound, "%s/%s", scope, jobID)
	}
	return nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job        models.Job
		mode       string
		cronExpr   sql.NullString
		interval   sql.NullInt64
		params     []byte
		lastRunAt  sql.NullTime
		lastStatus sql.NullString
		lastError  sql.NullString
	)

	err := row.Scan(
		&job.Scope, &job.JobID, &mode, &cronExpr, &interval, &job.Queue, &job.Enabled,
		&job.MaxParallel, &params, &job.TimeoutSec, &job.RetryLimit, &job.Description, &job.TelemetryLabel,
		&job.NextDueAt, &lastRunAt, &lastStatus, &lastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.RescheduleMode = models.RescheduleMode(mode)
	if cronExpr.Valid {
		job.CronExpr = &cronExpr.String
	}
	if interval.Valid {
		v := int(interval.Int64)
		job.IntervalSecs = &v
	}
	job.DefaultParams = map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.DefaultParams); err != nil {
			return nil, errors.Wrapf(err, "failed to decode default params of %s/%s", job.Scope, job.JobID)
		}
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time.UTC()
		job.LastRunAt = &t
	}
	if lastStatus.Valid {
		st := state.JobStatus(lastStatus.String)
		job.LastStatus = &st
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	job.NextDueAt = job.NextDueAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	return &job, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
