package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jobdispatch/internal/broker"
	"jobdispatch/internal/constants"
	"jobdispatch/internal/models"
	"jobdispatch/internal/parser"
)

// ErrPublish marks errors caused by the broker refusing a message.
var ErrPublish = errors.New("publish failed")

// Publisher turns jobs into JobMessages and places them on the job's live or
// delay queue.
type Publisher struct {
	broker   broker.MessageBroker
	logger   zerolog.Logger
	loc      *time.Location
	now      func() time.Time
	newRunID func() string
}

func New(b broker.MessageBroker, logger zerolog.Logger, loc *time.Location) *Publisher {
	if loc == nil {
		loc = time.UTC
	}
	return &Publisher{
		broker:   b,
		logger:   logger.With().Str("component", "publisher").Logger(),
		loc:      loc,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// LiveTTL returns the expiration for a message on a scheduler-mode job's live
// queue: 80% of the job's cadence, at least one second. A message that sits
// longer than that would overlap the next trigger. Zero means no TTL.
func (p *Publisher) LiveTTL(job *models.Job) time.Duration {
	if job.RescheduleMode != models.ModeScheduler {
		return 0
	}

	secs := 0
	switch {
	case job.IntervalSecs != nil && *job.IntervalSecs > 0:
		secs = *job.IntervalSecs
	case job.HasCron():
		cadence, err := parser.Cadence(*job.CronExpr, p.now(), p.loc)
		if err != nil {
			return 0
		}
		secs = int(cadence / time.Second)
	default:
		return 0
	}

	ttl := secs * constants.LiveQueueTTLPercent / 100
	if ttl < 1 {
		ttl = 1
	}
	return time.Duration(ttl) * time.Second
}

// MergeParams overlays overrides on the job's default params.
func MergeParams(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func (p *Publisher) newMessage(job *models.Job, source models.TriggerSource, params map[string]any) models.JobMessage {
	return models.JobMessage{
		JobID:          job.JobID,
		Scope:          job.Scope,
		RunID:          p.newRunID(),
		TriggerSource:  source,
		Params:         MergeParams(job.DefaultParams, params),
		TimeoutSec:     job.TimeoutSec,
		RetryLimit:     job.RetryLimit,
		TelemetryLabel: job.TelemetryLabel,
		QueuedAt:       p.now().UTC().Truncate(time.Second),
	}
}

// PublishNow places a one-off message on the job's live queue. It never asks
// the consumer to continue a chain.
func (p *Publisher) PublishNow(ctx context.Context, job *models.Job, source models.TriggerSource, params map[string]any) (*models.JobMessage, error) {
	msg := p.newMessage(job, source, params)
	if err := p.publish(ctx, job.Queue, &msg, p.LiveTTL(job)); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SeedChain publishes the single message that starts a queue-mode job's
// chain. Its consumer publishes the next link after interval_seconds.
func (p *Publisher) SeedChain(ctx context.Context, job *models.Job, source models.TriggerSource) (*models.JobMessage, error) {
	if job.RescheduleMode != models.ModeQueue {
		return nil, errors.Newf("job %s is not in queue mode", job.JobID)
	}
	interval := job.Interval()
	if interval <= 0 {
		return nil, errors.Newf("queue-mode job %s has no interval", job.JobID)
	}

	msg := p.newMessage(job, source, nil)
	msg.NextDelaySec = int(interval / time.Second)
	if err := p.publish(ctx, job.Queue, &msg, 0); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PublishDelayed places a message on the job's delay queue; it reaches the
// live queue after delaySec seconds.
func (p *Publisher) PublishDelayed(ctx context.Context, job *models.Job, delaySec int, params map[string]any) (*models.JobMessage, error) {
	if delaySec <= 0 {
		return nil, errors.Newf("delay must be positive, got %d", delaySec)
	}

	msg := p.newMessage(job, models.TriggerAutoReschedule, params)
	msg.NextDelaySec = delaySec
	msg.AutoReschedule = true
	if err := p.PublishMessage(ctx, job.Queue, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PublishMessage publishes an already built message. A positive
// NextDelaySec routes it through the delay queue with exactly that TTL;
// otherwise it goes straight to the live queue.
func (p *Publisher) PublishMessage(ctx context.Context, queue string, msg *models.JobMessage) error {
	if msg.RunID == "" {
		msg.RunID = p.newRunID()
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = p.now().UTC().Truncate(time.Second)
	}
	if msg.NextDelaySec > 0 {
		return p.publish(ctx, broker.DelayQueueName(queue), msg, time.Duration(msg.NextDelaySec)*time.Second)
	}
	return p.publish(ctx, queue, msg, 0)
}

func (p *Publisher) publish(ctx context.Context, queue string, msg *models.JobMessage, ttl time.Duration) error {
	if msg.Params == nil {
		msg.Params = map[string]any{}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode job message")
	}

	err = p.broker.Publish(ctx, queue, body, broker.PublishOptions{TTL: ttl, MessageID: msg.RunID})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to publish %s/%s", msg.Scope, msg.JobID), ErrPublish)
	}

	p.logger.Debug().
		Str("job_id", msg.JobID).
		Str("scope", msg.Scope).
		Str("run_id", msg.RunID).
		Str("trigger_source", string(msg.TriggerSource)).
		Str("queue", queue).
		Dur("ttl", ttl).
		Msg("published job message")

	return nil
}
