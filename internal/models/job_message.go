package models

import "time"

// TriggerSource records why a message was published.
type TriggerSource string

const (
	TriggerScheduler      TriggerSource = "scheduler"
	TriggerManual         TriggerSource = "manual"
	TriggerAutoReschedule TriggerSource = "auto-reschedule"
	TriggerStartup        TriggerSource = "startup"
)

func (t TriggerSource) Valid() bool {
	switch t {
	case TriggerScheduler, TriggerManual, TriggerAutoReschedule, TriggerStartup:
		return true
	}
	return false
}

// JobMessage is the JSON body of every message placed on a job queue.
// Every field is always present on the wire; consumers ignore fields they
// do not know.
type JobMessage struct {
	JobID          string         `json:"job_id"`
	Scope          string         `json:"scope"`
	RunID          string         `json:"run_id"`
	TriggerSource  TriggerSource  `json:"trigger_source"`
	Params         map[string]any `json:"params"`
	NextDelaySec   int            `json:"next_delay_sec"`
	AutoReschedule bool           `json:"auto_reschedule"`
	TimeoutSec     int            `json:"timeout_sec"`
	RetryLimit     int            `json:"retry_limit"`
	TelemetryLabel string         `json:"telemetry_label"`
	QueuedAt       time.Time      `json:"queued_at"`
}

// ContinuesChain reports whether the consumer of this message owns
// publishing the next message of a queue-mode chain.
func (m *JobMessage) ContinuesChain() bool {
	return m.NextDelaySec > 0
}

// RunReport is a worker's completion report for one run.
type RunReport struct {
	Status string  `json:"status"`
	Error  *string `json:"error,omitempty"`
	Scope  string  `json:"scope,omitempty"`
}
