package models

import (
	"time"

	"jobdispatch/internal/state"
)

// RescheduleMode decides who computes the next run of a job.
type RescheduleMode string

const (
	// ModeScheduler jobs are fired by the trigger clock from next_due_at.
	ModeScheduler RescheduleMode = "scheduler"
	// ModeQueue jobs chain themselves: each completion publishes the next
	// message to the delay queue.
	ModeQueue RescheduleMode = "queue"
)

func (m RescheduleMode) Valid() bool {
	return m == ModeScheduler || m == ModeQueue
}

// Job is the persisted definition and bookkeeping of one recurring job,
// keyed by (Scope, JobID).
type Job struct {
	JobID          string         `json:"job_id"`
	Scope          string         `json:"scope"`
	RescheduleMode RescheduleMode `json:"reschedule_mode"`
	CronExpr       *string        `json:"cron_expr"`
	IntervalSecs   *int           `json:"interval_seconds"`
	Queue          string         `json:"queue"`
	Enabled        bool           `json:"enabled"`
	MaxParallel    int            `json:"max_parallel"`
	DefaultParams  map[string]any `json:"default_params"`
	TimeoutSec     int            `json:"timeout_sec"`
	RetryLimit     int            `json:"retry_limit"`
	Description    string         `json:"description"`
	TelemetryLabel string         `json:"telemetry_label"`

	NextDueAt  time.Time        `json:"next_due_at"`
	LastRunAt  *time.Time       `json:"last_run_at"`
	LastStatus *state.JobStatus `json:"last_status"`
	LastError  *string          `json:"last_error"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// HasCron reports whether the job carries a non-empty cron expression.
func (j *Job) HasCron() bool {
	return j.CronExpr != nil && *j.CronExpr != ""
}

// Interval returns interval_seconds as a duration, or zero when unset.
func (j *Job) Interval() time.Duration {
	if j.IntervalSecs == nil {
		return 0
	}
	return time.Duration(*j.IntervalSecs) * time.Second
}

// JobDefinition is the writable part of a Job, as accepted by the control API
// and the seed file. Zero values are filled with defaults on upsert.
type JobDefinition struct {
	JobID          string         `json:"job_id" yaml:"job_id"`
	Scope          string         `json:"scope,omitempty" yaml:"scope"`
	RescheduleMode RescheduleMode `json:"reschedule_mode" yaml:"reschedule_mode"`
	CronExpr       *string        `json:"cron_expr,omitempty" yaml:"cron_expr"`
	IntervalSecs   *int           `json:"interval_seconds,omitempty" yaml:"interval_seconds"`
	Queue          string         `json:"queue,omitempty" yaml:"queue"`
	Enabled        *bool          `json:"enabled,omitempty" yaml:"enabled"`
	MaxParallel    int            `json:"max_parallel,omitempty" yaml:"max_parallel"`
	DefaultParams  map[string]any `json:"default_params,omitempty" yaml:"default_params"`
	TimeoutSec     int            `json:"timeout_sec,omitempty" yaml:"timeout_sec"`
	RetryLimit     *int           `json:"retry_limit,omitempty" yaml:"retry_limit"`
	Description    string         `json:"description,omitempty" yaml:"description"`
	TelemetryLabel string         `json:"telemetry_label,omitempty" yaml:"telemetry_label"`
}
