package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobdispatch/internal/models"
	"jobdispatch/internal/state"
)

// ErrJobNotFound is returned when no row matches (scope, job_id).
var ErrJobNotFound = errors.New("job not found")

// JobStore persists job definitions and their run bookkeeping. Every method
// touches a single row (or reads a list) and commits on its own.
type JobStore interface {
	// UpsertJob inserts the job or replaces the definition of an existing one.
	// created_at of an existing row is preserved.
	UpsertJob(ctx context.Context, job *models.Job) error

	// GetJob returns ErrJobNotFound when the job does not exist.
	GetJob(ctx context.Context, scope, jobID string) (*models.Job, error)

	ListJobs(ctx context.Context, scope string, page, pageSize int) (*models.PaginationResult[models.Job], error)

	// ListDueJobs returns enabled scheduler-mode jobs whose next_due_at <= now.
	ListDueJobs(ctx context.Context, scope string, now time.Time) ([]models.Job, error)

	// ListJobsByMode returns enabled jobs of the given reschedule mode.
	ListJobsByMode(ctx context.Context, scope string, mode models.RescheduleMode) ([]models.Job, error)

	// MarkPublished records a publish: last_status becomes queued and
	// next_due_at moves to nextDue unless the stored value is already later.
	MarkPublished(ctx context.Context, scope, jobID string, nextDue time.Time) error

	// AdvanceNextDue moves next_due_at forward without touching last_status.
	AdvanceNextDue(ctx context.Context, scope, jobID string, nextDue time.Time) error

	// MarkRun records a worker's completion report.
	MarkRun(ctx context.Context, scope, jobID string, status state.JobStatus, errMsg *string, at time.Time) error

	// SetEnabled pauses or resumes a job. Pausing sets last_status to paused.
	SetEnabled(ctx context.Context, scope, jobID string, enabled bool) error

	DeleteJob(ctx context.Context, scope, jobID string) error

	CountJobsGroupedByStatus(ctx context.Context, scope string) (map[state.JobStatus]int, error)

	// Close closes the database
	Close() error
}
