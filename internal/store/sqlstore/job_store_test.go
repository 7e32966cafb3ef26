package sqlstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobdispatch/internal/models"
	"jobdispatch/internal/state"
	"jobdispatch/internal/store"
)

var fixedNow = time.Date(2025, 6, 21, 9, 1, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*JobStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewJobStore(db, Postgres)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

var columns = []string{
	"scope", "job_id", "reschedule_mode", "cron_expr", "interval_seconds", "queue", "enabled",
	"max_parallel", "default_params", "timeout_sec", "retry_limit", "description", "telemetry_label",
	"next_due_at", "last_run_at", "last_status", "last_error", "created_at", "updated_at",
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Postgres.Rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ? AND b = ?", SQLite.Rebind("a = ? AND b = ?"))
}

func TestJobStore_UpsertJob(t *testing.T) {
	s, mock := newMockStore(t)

	expr := "*/5 * * * *"
	job := &models.Job{
		JobID:          "buy-scanner",
		Scope:          "real",
		RescheduleMode: models.ModeScheduler,
		CronExpr:       &expr,
		Queue:          "real.jobs.buy",
		Enabled:        true,
		MaxParallel:    1,
		DefaultParams:  map[string]any{"market": "KOSPI"},
		TimeoutSec:     120,
		RetryLimit:     3,
		NextDueAt:      time.Date(2025, 6, 21, 9, 5, 0, 0, time.UTC),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduler_jobs")).
		WithArgs("real", "buy-scanner", "scheduler", expr, nil, "real.jobs.buy", true, 1,
			`{"market":"KOSPI"}`, 120, 3, "", "", job.NextDueAt, fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertJob(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_UpsertJob_InvalidParams(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.UpsertJob(context.Background(), &models.Job{DefaultParams: map[string]any{"bad": make(chan int)}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "marshal default params")
}

func TestJobStore_GetJob(t *testing.T) {
	s, mock := newMockStore(t)

	due := time.Date(2025, 6, 21, 9, 5, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM scheduler_jobs WHERE scope = \\$1 AND job_id = \\$2").
		WithArgs("real", "buy-scanner").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"real", "buy-scanner", "queue", nil, 300, "real.jobs.buy", true,
			2, []byte(`{"market":"KOSPI"}`), 120, 3, "scanner", "buy",
			due, nil, "succeeded", nil, fixedNow, fixedNow,
		))

	job, err := s.GetJob(context.Background(), "real", "buy-scanner")
	require.NoError(t, err)
	assert.Equal(t, models.ModeQueue, job.RescheduleMode)
	assert.Nil(t, job.CronExpr)
	require.NotNil(t, job.IntervalSecs)
	assert.Equal(t, 300, *job.IntervalSecs)
	assert.Equal(t, "KOSPI", job.DefaultParams["market"])
	require.NotNil(t, job.LastStatus)
	assert.Equal(t, state.StatusSucceeded, *job.LastStatus)
	assert.Nil(t, job.LastRunAt)
	assert.Equal(t, due, job.NextDueAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM scheduler_jobs").
		WithArgs("real", "missing").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.GetJob(context.Background(), "real", "missing")
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ListDueJobs(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Date(2025, 6, 21, 9, 5, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM scheduler_jobs WHERE scope = \\$1 AND enabled = \\$2 AND reschedule_mode = \\$3 AND next_due_at <= \\$4").
		WithArgs("real", true, "scheduler", now).
		WillReturnRows(sqlmock.NewRows(columns))

	jobs, err := s.ListDueJobs(context.Background(), "real", now)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ListJobs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM scheduler_jobs WHERE scope = \\$1").
		WithArgs("real").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT (.+) FROM scheduler_jobs WHERE scope = \\$1 ORDER BY job_id ASC LIMIT \\$2 OFFSET \\$3").
		WithArgs("real", 2, 2).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"real", "z-job", "scheduler", "@hourly", nil, "real.jobs.z", false,
			1, []byte(`{}`), 120, 3, "", "", fixedNow, fixedNow, "paused", "boom", fixedNow, fixedNow,
		))

	res, err := s.ListJobs(context.Background(), "real", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)
	assert.Equal(t, 2, res.TotalPages)
	assert.True(t, res.HasPreviousPage)
	assert.False(t, res.HasNextPage)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "@hourly", *res.Items[0].CronExpr)
	assert.Equal(t, "boom", *res.Items[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_MarkPublished(t *testing.T) {
	s, mock := newMockStore(t)

	next := time.Date(2025, 6, 21, 9, 10, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE scheduler_jobs SET next_due_at = CASE WHEN next_due_at > \\$1 THEN next_due_at ELSE \\$2 END").
		WithArgs(next, next, "queued", fixedNow, "real", "buy-scanner").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkPublished(context.Background(), "real", "buy-scanner", next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_MarkPublished_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scheduler_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkPublished(context.Background(), "real", "gone", fixedNow)
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_MarkRun(t *testing.T) {
	s, mock := newMockStore(t)

	at := time.Date(2025, 6, 21, 9, 5, 42, 500, time.UTC)
	msg := "timeout"
	mock.ExpectExec("UPDATE scheduler_jobs SET last_run_at = \\$1, last_status = \\$2, last_error = \\$3").
		WithArgs(at.Truncate(time.Second), "failed", msg, fixedNow, "real", "buy-scanner").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkRun(context.Background(), "real", "buy-scanner", state.StatusFailed, &msg, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_SetEnabled(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scheduler_jobs SET enabled = \\$1").
		WithArgs(false, false, "paused", fixedNow, "real", "buy-scanner").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetEnabled(context.Background(), "real", "buy-scanner", false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_DeleteJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM scheduler_jobs WHERE scope = \\$1 AND job_id = \\$2").
		WithArgs("real", "buy-scanner").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.DeleteJob(context.Background(), "real", "buy-scanner"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_CountJobsGroupedByStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT last_status, COUNT\\(\\*\\)").
		WithArgs("real").
		WillReturnRows(sqlmock.NewRows([]string{"last_status", "count"}).
			AddRow("queued", 4).
			AddRow("failed", 1))

	counts, err := s.CountJobsGroupedByStatus(context.Background(), "real")
	require.NoError(t, err)
	assert.Equal(t, 4, counts[state.StatusQueued])
	assert.Equal(t, 1, counts[state.StatusFailed])
	assert.Equal(t, 0, counts[state.StatusPaused])
	assert.NoError(t, mock.ExpectationsWereMet())
}
