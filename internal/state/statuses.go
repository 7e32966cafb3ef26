package state

import "strings"

// JobStatus is the value kept in a job's last_status column.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusPaused    JobStatus = "paused"
)

func (s JobStatus) String() string {
	return string(s)
}

var AllStatuses = []JobStatus{
	StatusQueued,
	StatusSucceeded,
	StatusFailed,
	StatusPaused,
}

// ReportableStatuses are the outcomes a worker may send in a completion report.
var ReportableStatuses = []JobStatus{
	StatusSucceeded,
	StatusFailed,
}

// ParseRunStatus normalises a worker-reported status. Older workers send
// "done" for a successful run.
func ParseRunStatus(s string) (JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "done", "success", string(StatusSucceeded):
		return StatusSucceeded, true
	case "error", string(StatusFailed):
		return StatusFailed, true
	}
	return "", false
}
