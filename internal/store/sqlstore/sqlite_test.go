package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobdispatch/internal/config"
	"jobdispatch/internal/db"
	"jobdispatch/internal/lock"
	"jobdispatch/internal/models"
	"jobdispatch/internal/state"
	"jobdispatch/internal/store"
	"jobdispatch/internal/store/sqlstore"
)

func newSQLiteStore(t *testing.T) *sqlstore.JobStore {
	t.Helper()
	ctx := context.Background()

	conn, dialect, err := db.Open(ctx, config.Storage{Driver: config.StorageDriverSQLite, DSN: "file::memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, conn, dialect, lock.NewLocalLockManager(), zerolog.Nop()))

	s := sqlstore.NewJobStore(conn, dialect)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(i int) *int { return &i }

func TestSQLite_RoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	due := time.Date(2025, 6, 21, 9, 5, 0, 0, time.UTC)
	job := &models.Job{
		JobID:          "sell-monitor",
		Scope:          "real",
		RescheduleMode: models.ModeQueue,
		IntervalSecs:   intPtr(300),
		Queue:          "real.jobs.sell",
		Enabled:        true,
		MaxParallel:    2,
		DefaultParams:  map[string]any{"threshold": 0.5, "symbols": []any{"005930"}},
		TimeoutSec:     60,
		RetryLimit:     1,
		Description:    "sell side",
		TelemetryLabel: "sell",
		NextDueAt:      due,
	}
	require.NoError(t, s.UpsertJob(ctx, job))

	got, err := s.GetJob(ctx, "real", "sell-monitor")
	require.NoError(t, err)
	assert.Equal(t, models.ModeQueue, got.RescheduleMode)
	assert.Nil(t, got.CronExpr)
	assert.Equal(t, 300, *got.IntervalSecs)
	assert.True(t, got.Enabled)
	assert.Equal(t, 2, got.MaxParallel)
	assert.Equal(t, 0.5, got.DefaultParams["threshold"])
	assert.Equal(t, []any{"005930"}, got.DefaultParams["symbols"])
	assert.Equal(t, "sell side", got.Description)
	assert.True(t, due.Equal(got.NextDueAt))
	assert.Nil(t, got.LastRunAt)
	assert.Nil(t, got.LastStatus)

	// upsert keeps created_at and replaces the definition
	created := got.CreatedAt
	job.MaxParallel = 4
	require.NoError(t, s.UpsertJob(ctx, job))
	got, err = s.GetJob(ctx, "real", "sell-monitor")
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxParallel)
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = s.GetJob(ctx, "paper", "sell-monitor")
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
}

func TestSQLite_DueJobsAndMonotonicNextDue(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	expr := "*/5 * * * *"
	base := time.Date(2025, 6, 21, 9, 0, 0, 0, time.UTC)
	jobs := []*models.Job{
		{JobID: "due-cron", CronExpr: &expr, RescheduleMode: models.ModeScheduler, Enabled: true, NextDueAt: base},
		{JobID: "later", IntervalSecs: intPtr(60), RescheduleMode: models.ModeScheduler, Enabled: true, NextDueAt: base.Add(time.Hour)},
		{JobID: "disabled", IntervalSecs: intPtr(60), RescheduleMode: models.ModeScheduler, Enabled: false, NextDueAt: base},
		{JobID: "queue-mode", IntervalSecs: intPtr(60), RescheduleMode: models.ModeQueue, Enabled: true, NextDueAt: base},
	}
	for _, j := range jobs {
		j.Scope = "real"
		j.Queue = "real.jobs." + j.JobID
		j.MaxParallel = 1
		require.NoError(t, s.UpsertJob(ctx, j))
	}

	due, err := s.ListDueJobs(ctx, "real", base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due-cron", due[0].JobID)

	queueJobs, err := s.ListJobsByMode(ctx, "real", models.ModeQueue)
	require.NoError(t, err)
	require.Len(t, queueJobs, 1)
	assert.Equal(t, "queue-mode", queueJobs[0].JobID)

	next := base.Add(5 * time.Minute)
	require.NoError(t, s.MarkPublished(ctx, "real", "due-cron", next))
	// an earlier value never moves next_due_at backwards
	require.NoError(t, s.MarkPublished(ctx, "real", "due-cron", base))

	got, err := s.GetJob(ctx, "real", "due-cron")
	require.NoError(t, err)
	assert.True(t, next.Equal(got.NextDueAt))
	assert.Equal(t, state.StatusQueued, *got.LastStatus)

	due, err = s.ListDueJobs(ctx, "real", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.AdvanceNextDue(ctx, "real", "queue-mode", base.Add(10*time.Minute)))
	got, err = s.GetJob(ctx, "real", "queue-mode")
	require.NoError(t, err)
	assert.True(t, base.Add(10*time.Minute).Equal(got.NextDueAt))
	assert.Nil(t, got.LastStatus)
}

func TestSQLite_RunBookkeeping(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertJob(ctx, &models.Job{
		JobID: "report", Scope: "real", RescheduleMode: models.ModeScheduler,
		IntervalSecs: intPtr(30), Queue: "real.jobs.report", Enabled: true, MaxParallel: 1,
		NextDueAt: time.Now(),
	}))

	at := time.Date(2025, 6, 21, 9, 5, 30, 0, time.UTC)
	msg := "broker timeout"
	require.NoError(t, s.MarkRun(ctx, "real", "report", state.StatusFailed, &msg, at))

	got, err := s.GetJob(ctx, "real", "report")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, at.Equal(*got.LastRunAt))
	assert.Equal(t, state.StatusFailed, *got.LastStatus)
	assert.Equal(t, msg, *got.LastError)

	require.NoError(t, s.MarkRun(ctx, "real", "report", state.StatusSucceeded, nil, at.Add(time.Minute)))
	got, err = s.GetJob(ctx, "real", "report")
	require.NoError(t, err)
	assert.Nil(t, got.LastError)

	require.NoError(t, s.SetEnabled(ctx, "real", "report", false))
	got, err = s.GetJob(ctx, "real", "report")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, state.StatusPaused, *got.LastStatus)

	require.NoError(t, s.SetEnabled(ctx, "real", "report", true))
	got, err = s.GetJob(ctx, "real", "report")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, state.StatusPaused, *got.LastStatus)

	counts, err := s.CountJobsGroupedByStatus(ctx, "real")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[state.StatusPaused])

	page, err := s.ListJobs(ctx, "real", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalItems)

	require.NoError(t, s.DeleteJob(ctx, "real", "report"))
	err = s.DeleteJob(ctx, "real", "report")
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
}
