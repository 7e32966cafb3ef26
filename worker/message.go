package worker

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobdispatch/internal/constants"
	"jobdispatch/internal/models"
)

// wireMessage mirrors models.JobMessage with pointers so absent fields can
// be told apart from zero values.
type wireMessage struct {
	JobID          string               `json:"job_id"`
	Scope          string               `json:"scope"`
	RunID          string               `json:"run_id"`
	TriggerSource  models.TriggerSource `json:"trigger_source"`
	Params         map[string]any       `json:"params"`
	NextDelaySec   *int                 `json:"next_delay_sec"`
	AutoReschedule *bool                `json:"auto_reschedule"`
	TimeoutSec     *int                 `json:"timeout_sec"`
	RetryLimit     *int                 `json:"retry_limit"`
	TelemetryLabel string               `json:"telemetry_label"`
	QueuedAt       *time.Time           `json:"queued_at"`
}

// ParseJobMessage decodes a delivery body. Missing fields get the same
// defaults the control-plane applies to new jobs; a message without a
// job_id is rejected.
func ParseJobMessage(body []byte, defaultScope string) (*models.JobMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, errors.Wrap(err, "failed to decode job message")
	}
	if w.JobID == "" {
		return nil, errors.New("job message has no job_id")
	}

	msg := &models.JobMessage{
		JobID:          w.JobID,
		Scope:          w.Scope,
		RunID:          w.RunID,
		TriggerSource:  w.TriggerSource,
		Params:         w.Params,
		AutoReschedule: true,
		TimeoutSec:     constants.DefaultTimeoutSec,
		RetryLimit:     constants.DefaultRetryLimit,
		TelemetryLabel: w.TelemetryLabel,
	}
	if msg.Scope == "" {
		msg.Scope = defaultScope
	}
	if msg.RunID == "" {
		msg.RunID = uuid.NewString()
	}
	if msg.TriggerSource == "" {
		msg.TriggerSource = "unknown"
	}
	if msg.Params == nil {
		msg.Params = map[string]any{}
	}
	if w.NextDelaySec != nil {
		msg.NextDelaySec = *w.NextDelaySec
	}
	if w.AutoReschedule != nil {
		msg.AutoReschedule = *w.AutoReschedule
	}
	if w.TimeoutSec != nil && *w.TimeoutSec > 0 {
		msg.TimeoutSec = *w.TimeoutSec
	}
	if w.RetryLimit != nil && *w.RetryLimit >= 0 {
		msg.RetryLimit = *w.RetryLimit
	}
	if w.QueuedAt != nil {
		msg.QueuedAt = w.QueuedAt.UTC()
	}
	if msg.TelemetryLabel == "" {
		msg.TelemetryLabel = msg.JobID
	}

	return msg, nil
}

// nextLink builds the message that continues a queue-mode chain.
func nextLink(msg *models.JobMessage) models.JobMessage {
	return models.JobMessage{
		JobID:          msg.JobID,
		Scope:          msg.Scope,
		TriggerSource:  models.TriggerAutoReschedule,
		Params:         msg.Params,
		NextDelaySec:   msg.NextDelaySec,
		AutoReschedule: true,
		TimeoutSec:     msg.TimeoutSec,
		RetryLimit:     msg.RetryLimit,
		TelemetryLabel: msg.TelemetryLabel,
	}
}
