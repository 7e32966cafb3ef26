// Package worker is the consumer side of the dispatch contract. A Runtime
// consumes one job's live queue, runs a Handler for each message, reports
// the outcome to the control API and, for queue-mode jobs, publishes the
// next link of the chain.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"jobdispatch/internal/broker"
	"jobdispatch/internal/constants"
	"jobdispatch/internal/models"
	"jobdispatch/internal/publisher"
	"jobdispatch/internal/state"
)

const (
	defaultDedupeSize   = 1024
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = time.Minute
	maxReconnectDelay   = 60 * time.Second
)

// Handler does the work for one message. A returned error counts as a
// failed attempt.
type Handler func(ctx context.Context, msg *models.JobMessage) error

// Reporter receives completion reports. client.Client satisfies it.
type Reporter interface {
	MarkJobRun(ctx context.Context, scope, jobID string, report models.RunReport) (*models.Job, error)
}

type Config struct {
	Scope string
	JobID string
	// Queue defaults to <scope>.jobs.<job_id>.
	Queue       string
	MaxParallel int
	// Bootstrap publishes one startup message when the runtime starts.
	Bootstrap       bool
	BootstrapParams map[string]any
	DedupeSize      int
	RetryBackoff    time.Duration
}

type Runtime struct {
	cfg       Config
	queue     string
	broker    broker.MessageBroker
	publisher *publisher.Publisher
	reporter  Reporter
	handler   Handler
	logger    zerolog.Logger

	sem  *semaphore.Weighted
	seen *runIDCache
	wg   sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, b broker.MessageBroker, p *publisher.Publisher, reporter Reporter, handler Handler, logger zerolog.Logger) (*Runtime, error) {
	if cfg.JobID == "" {
		return nil, errors.New("worker job id cannot be empty")
	}
	if cfg.Scope == "" {
		return nil, errors.New("worker scope cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("worker handler cannot be nil")
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = constants.DefaultMaxParallel
	}
	if cfg.DedupeSize < 1 {
		cfg.DedupeSize = defaultDedupeSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	queue := broker.ScopedQueueName(cfg.Scope, cfg.Queue, cfg.JobID)
	return &Runtime{
		cfg:       cfg,
		queue:     queue,
		broker:    b,
		publisher: p,
		reporter:  reporter,
		handler:   handler,
		logger: logger.With().
			Str("component", "worker").
			Str("job_id", cfg.JobID).
			Str("scope", cfg.Scope).
			Str("queue", queue).
			Logger(),
		sem:   semaphore.NewWeighted(int64(cfg.MaxParallel)),
		seen:  newRunIDCache(cfg.DedupeSize),
		sleep: sleepCtx,
	}, nil
}

func (r *Runtime) Queue() string {
	return r.queue
}

// ReconnectDelay is the wait before the given reconnect attempt: five
// seconds per attempt, at most a minute.
func ReconnectDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 5 * time.Second
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// Run consumes until ctx ends, reconnecting when the delivery stream breaks.
// It waits for running handlers before returning.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.wg.Wait()

	if err := r.broker.DeclareJobQueues(ctx, r.queue); err != nil {
		return errors.Wrapf(err, "failed to declare queues for %s", r.queue)
	}
	if r.cfg.Bootstrap {
		if err := r.bootstrap(ctx); err != nil {
			return err
		}
	}

	r.logger.Info().Int("max_parallel", r.cfg.MaxParallel).Msg("worker started")

	attempt := 0
	for {
		connected, err := r.consume(ctx)
		if ctx.Err() != nil {
			r.logger.Info().Msg("worker stopping")
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := ReconnectDelay(attempt)
		r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("consumer lost, reconnecting")

		if err := r.sleep(ctx, delay); err != nil {
			return nil
		}
		if err := r.broker.DeclareJobQueues(ctx, r.queue); err != nil {
			r.logger.Warn().Err(err).Msg("failed to redeclare queues")
		}
	}
}

// bootstrap publishes one run that does not continue a chain.
func (r *Runtime) bootstrap(ctx context.Context) error {
	msg := models.JobMessage{
		JobID:          r.cfg.JobID,
		Scope:          r.cfg.Scope,
		TriggerSource:  models.TriggerStartup,
		Params:         r.cfg.BootstrapParams,
		TimeoutSec:     constants.DefaultTimeoutSec,
		RetryLimit:     constants.DefaultRetryLimit,
		TelemetryLabel: r.cfg.JobID,
	}
	if err := r.publisher.PublishMessage(ctx, r.queue, &msg); err != nil {
		return errors.Wrap(err, "failed to publish bootstrap message")
	}
	r.logger.Info().Str("run_id", msg.RunID).Msg("published bootstrap message")
	return nil
}

// consume drains one delivery stream. connected is true once the stream
// was opened.
func (r *Runtime) consume(ctx context.Context) (connected bool, err error) {
	deliveries, err := r.broker.Consume(ctx, r.queue, r.cfg.MaxParallel)
	if err != nil {
		return false, err
	}

	// handlers outlive ctx so an in-flight run can ack and report
	runCtx := context.WithoutCancel(ctx)

	for d := range deliveries {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			_ = d.Nack(true)
			break
		}
		r.wg.Add(1)
		go func(d broker.Delivery) {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.HandleDelivery(runCtx, d)
		}(d)
	}

	if ctx.Err() != nil {
		return true, nil
	}
	return true, errors.New("delivery channel closed")
}

// HandleDelivery runs one message through the contract: parse, dedupe, run,
// ack, report and reschedule, in that order.
func (r *Runtime) HandleDelivery(ctx context.Context, d broker.Delivery) {
	msg, err := ParseJobMessage(d.Body, r.cfg.Scope)
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", d.MessageID).Msg("dropping malformed message")
		if nackErr := d.Nack(false); nackErr != nil {
			r.logger.Error().Err(nackErr).Msg("failed to nack malformed message")
		}
		return
	}

	logger := r.logger.With().
		Str("run_id", msg.RunID).
		Str("trigger_source", string(msg.TriggerSource)).
		Logger()

	if !r.seen.Add(msg.RunID) {
		logger.Warn().Msg("skipping duplicate run")
		if err := d.Ack(); err != nil {
			logger.Error().Err(err).Msg("failed to ack duplicate run")
		}
		return
	}

	started := time.Now()
	runErr := r.execute(ctx, msg, logger)

	if err := d.Ack(); err != nil {
		// the broker will redeliver; that delivery carries the chain on
		logger.Error().Err(err).Msg("failed to ack message")
		r.seen.Forget(msg.RunID)
		return
	}

	job, reportErr := r.report(ctx, msg, runErr)
	if reportErr != nil {
		logger.Warn().Err(reportErr).Msg("failed to report run")
	}

	if runErr != nil {
		logger.Error().Err(runErr).Dur("elapsed", time.Since(started)).Msg("job run failed")
	} else {
		logger.Info().Dur("elapsed", time.Since(started)).Msg("job run succeeded")
	}

	if !msg.ContinuesChain() {
		return
	}
	if reportErr == nil && job != nil && !job.Enabled {
		logger.Info().Msg("job is paused, chain stops")
		return
	}
	r.reschedule(ctx, msg, logger)
}

func (r *Runtime) reschedule(ctx context.Context, msg *models.JobMessage, logger zerolog.Logger) {
	next := nextLink(msg)
	if err := r.publisher.PublishMessage(ctx, r.queue, &next); err != nil {
		logger.Error().Err(err).Msg("failed to reschedule job, chain is broken")
		return
	}
	logger.Info().
		Str("next_run_id", next.RunID).
		Int("delay_sec", next.NextDelaySec).
		Msg("job rescheduled")
}

func (r *Runtime) report(ctx context.Context, msg *models.JobMessage, runErr error) (*models.Job, error) {
	if r.reporter == nil {
		return nil, errors.New("no reporter configured")
	}
	report := models.RunReport{Status: state.StatusSucceeded.String(), Scope: msg.Scope}
	if runErr != nil {
		text := runErr.Error()
		report.Status = state.StatusFailed.String()
		report.Error = &text
	}
	return r.reporter.MarkJobRun(ctx, msg.Scope, msg.JobID, report)
}

// execute runs the handler up to 1+retry_limit times with exponential
// backoff between attempts.
func (r *Runtime) execute(ctx context.Context, msg *models.JobMessage, logger zerolog.Logger) error {
	timeout := time.Duration(msg.TimeoutSec) * time.Second
	backoff := r.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= msg.RetryLimit+1; attempt++ {
		err = r.attempt(ctx, msg, timeout)
		if err == nil {
			return nil
		}
		if attempt > msg.RetryLimit {
			break
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("job attempt failed, retrying")
		if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
			break
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
	return err
}

func (r *Runtime) attempt(ctx context.Context, msg *models.JobMessage, timeout time.Duration) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Str("run_id", msg.RunID).Str("stack", string(debug.Stack())).Msg("recovered panic in job handler")
				done <- errors.Newf("job panicked: %v", rec)
			}
		}()
		done <- r.handler(runCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return errors.Wrapf(runCtx.Err(), "job timed out after %s", timeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
