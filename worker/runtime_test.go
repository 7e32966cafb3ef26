package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobdispatch/internal/broker"
	"jobdispatch/internal/broker/brokertest"
	"jobdispatch/internal/models"
	"jobdispatch/internal/publisher"
)

const (
	testQueue = "real.jobs.price-monitor"
	testDelay = "real.jobs.price-monitor.delay"
)

type fakeReporter struct {
	mu      sync.Mutex
	reports []models.RunReport
	enabled bool
	err     error
}

func (f *fakeReporter) MarkJobRun(_ context.Context, scope, jobID string, report models.RunReport) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Job{JobID: jobID, Scope: scope, Enabled: f.enabled}, nil
}

func (f *fakeReporter) Reports() []models.RunReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RunReport(nil), f.reports...)
}

type workerHarness struct {
	broker   *brokertest.MemoryBroker
	reporter *fakeReporter
	runtime  *Runtime
	calls    atomic.Int32
}

func newWorkerHarness(t *testing.T, cfg Config, handler Handler) *workerHarness {
	t.Helper()
	h := &workerHarness{
		broker:   brokertest.NewMemoryBroker(),
		reporter: &fakeReporter{enabled: true},
	}
	require.NoError(t, h.broker.DeclareJobQueues(context.Background(), testQueue))

	if cfg.Scope == "" {
		cfg.Scope = "real"
	}
	if cfg.JobID == "" {
		cfg.JobID = "price-monitor"
	}
	counted := func(ctx context.Context, msg *models.JobMessage) error {
		h.calls.Add(1)
		return handler(ctx, msg)
	}

	p := publisher.New(h.broker, zerolog.Nop(), time.UTC)
	r, err := New(cfg, h.broker, p, h.reporter, counted, zerolog.Nop())
	require.NoError(t, err)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	h.runtime = r
	return h
}

func (h *workerHarness) deliver(t *testing.T, msg any) {
	t.Helper()
	var body []byte
	switch v := msg.(type) {
	case string:
		body = []byte(v)
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	require.NoError(t, h.broker.Publish(context.Background(), testQueue, body, broker.PublishOptions{}))

	d, ok := h.broker.Get(testQueue)
	require.True(t, ok)
	h.runtime.HandleDelivery(context.Background(), d)
}

func chainMessage(runID string) models.JobMessage {
	return models.JobMessage{
		JobID:          "price-monitor",
		Scope:          "real",
		RunID:          runID,
		TriggerSource:  models.TriggerStartup,
		Params:         map[string]any{"symbol": "005930"},
		NextDelaySec:   300,
		TimeoutSec:     60,
		RetryLimit:     0,
		TelemetryLabel: "price-monitor",
	}
}

func succeed(context.Context, *models.JobMessage) error { return nil }

func TestHandleDelivery_ContinuesChain(t *testing.T) {
	h := newWorkerHarness(t, Config{}, succeed)

	h.deliver(t, chainMessage("run-1"))

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Zero(t, h.broker.Depth(testQueue), "message must be acked")

	reports := h.reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "succeeded", reports[0].Status)
	assert.Nil(t, reports[0].Error)

	pubs := h.broker.Published()
	require.Len(t, pubs, 2)
	next := pubs[1]
	assert.Equal(t, testDelay, next.Queue)
	assert.Equal(t, 300*time.Second, next.TTL)

	var msg models.JobMessage
	require.NoError(t, json.Unmarshal(next.Body, &msg))
	assert.Equal(t, models.TriggerAutoReschedule, msg.TriggerSource)
	assert.True(t, msg.AutoReschedule)
	assert.Equal(t, 300, msg.NextDelaySec)
	assert.NotEqual(t, "run-1", msg.RunID)
	assert.Equal(t, "005930", msg.Params["symbol"])
	assert.Equal(t, 60, msg.TimeoutSec)
}

func TestHandleDelivery_PausedJobStopsChain(t *testing.T) {
	h := newWorkerHarness(t, Config{}, succeed)
	h.reporter.enabled = false

	h.deliver(t, chainMessage("run-1"))

	assert.Empty(t, h.broker.Ready(testDelay))
	assert.Len(t, h.reporter.Reports(), 1)
}

func TestHandleDelivery_ReportFailureKeepsChain(t *testing.T) {
	h := newWorkerHarness(t, Config{}, succeed)
	h.reporter.err = errors.New("scheduler api down")

	h.deliver(t, chainMessage("run-1"))

	assert.Len(t, h.broker.Ready(testDelay), 1)
}

func TestHandleDelivery_OneOffDoesNotReschedule(t *testing.T) {
	h := newWorkerHarness(t, Config{}, succeed)

	msg := chainMessage("run-1")
	msg.NextDelaySec = 0
	msg.TriggerSource = models.TriggerManual
	h.deliver(t, msg)

	assert.Len(t, h.reporter.Reports(), 1)
	assert.Empty(t, h.broker.Ready(testDelay))
	assert.Len(t, h.broker.Published(), 1)
}

func TestHandleDelivery_FailedRunReportsAndReschedules(t *testing.T) {
	h := newWorkerHarness(t, Config{}, func(context.Context, *models.JobMessage) error {
		return errors.New("quote feed unavailable")
	})

	msg := chainMessage("run-1")
	msg.RetryLimit = 2
	h.deliver(t, msg)

	assert.Equal(t, int32(3), h.calls.Load())
	reports := h.reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "failed", reports[0].Status)
	require.NotNil(t, reports[0].Error)
	assert.Contains(t, *reports[0].Error, "quote feed unavailable")
	assert.Len(t, h.broker.Ready(testDelay), 1)
}

func TestHandleDelivery_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	h := newWorkerHarness(t, Config{}, func(context.Context, *models.JobMessage) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	msg := chainMessage("run-1")
	msg.RetryLimit = 3
	h.deliver(t, msg)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, "succeeded", h.reporter.Reports()[0].Status)
}

func TestHandleDelivery_Timeout(t *testing.T) {
	h := newWorkerHarness(t, Config{}, func(ctx context.Context, _ *models.JobMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})

	msg := chainMessage("run-1")
	msg.TimeoutSec = 1
	h.deliver(t, msg)

	reports := h.reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "failed", reports[0].Status)
	assert.Contains(t, *reports[0].Error, "timed out")
}

func TestHandleDelivery_Panic(t *testing.T) {
	h := newWorkerHarness(t, Config{}, func(context.Context, *models.JobMessage) error {
		panic("nil quote")
	})

	h.deliver(t, chainMessage("run-1"))

	reports := h.reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "failed", reports[0].Status)
	assert.Contains(t, *reports[0].Error, "nil quote")
	assert.Zero(t, h.broker.Depth(testQueue))
}

func TestHandleDelivery_DuplicateRunID(t *testing.T) {
	h := newWorkerHarness(t, Config{}, succeed)

	h.deliver(t, chainMessage("run-1"))
	h.deliver(t, chainMessage("run-1"))

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Len(t, h.reporter.Reports(), 1)
	assert.Len(t, h.broker.Ready(testDelay), 1)
	assert.Zero(t, h.broker.Depth(testQueue))
}

func TestHandleDelivery_Malformed(t *testing.T) {
	h := newWorkerHarness(t, Config{}, succeed)

	h.deliver(t, "{not json")
	h.deliver(t, `{"scope":"real"}`)

	assert.Zero(t, h.calls.Load())
	assert.Empty(t, h.reporter.Reports())
	assert.Zero(t, h.broker.Depth(testQueue), "malformed messages are dropped, not requeued")
}

func TestRun_BootstrapAndStop(t *testing.T) {
	h := newWorkerHarness(t, Config{Bootstrap: true, BootstrapParams: map[string]any{"warmup": true}}, succeed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runtime.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.reporter.Reports()) == 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runtime did not stop")
	}

	pubs := h.broker.Published()
	require.Len(t, pubs, 1)
	var msg models.JobMessage
	require.NoError(t, json.Unmarshal(pubs[0].Body, &msg))
	assert.Equal(t, models.TriggerStartup, msg.TriggerSource)
	assert.Zero(t, msg.NextDelaySec)
	assert.Equal(t, true, msg.Params["warmup"])
}

func TestRun_ShutdownLetsInFlightRunAck(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newWorkerHarness(t, Config{}, func(context.Context, *models.JobMessage) error {
		close(started)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.runtime.Run(ctx) }()

	body, err := json.Marshal(chainMessage("run-1"))
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(ctx, testQueue, body, broker.PublishOptions{}))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not start")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("runtime returned while a run was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runtime did not stop")
	}

	assert.Zero(t, h.broker.Depth(testQueue), "the finished run was acked, not left for redelivery")
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Len(t, h.reporter.Reports(), 1)
	assert.Len(t, h.broker.Ready(testDelay), 1)
}

func TestRun_ConsumesChainAfterDelay(t *testing.T) {
	h := newWorkerHarness(t, Config{}, succeed)

	now := time.Date(2025, 6, 21, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	h.broker.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.runtime.Run(ctx) }()

	body, err := json.Marshal(chainMessage("run-1"))
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(ctx, testQueue, body, broker.PublishOptions{}))

	require.Eventually(t, func() bool { return len(h.broker.Ready(testDelay)) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), h.calls.Load())

	mu.Lock()
	now = now.Add(300 * time.Second)
	mu.Unlock()

	require.Eventually(t, func() bool { return h.calls.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.broker.Ready(testDelay)) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, h.reporter.Reports(), 2)
}

func TestNew_Validation(t *testing.T) {
	b := brokertest.NewMemoryBroker()
	p := publisher.New(b, zerolog.Nop(), time.UTC)

	_, err := New(Config{Scope: "real"}, b, p, nil, succeed, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Config{JobID: "price-monitor"}, b, p, nil, succeed, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Config{Scope: "real", JobID: "price-monitor"}, b, p, nil, nil, zerolog.Nop())
	assert.Error(t, err)

	r, err := New(Config{Scope: "paper", JobID: "price-monitor", Queue: "jobs.prices"}, b, p, nil, succeed, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "paper.jobs.prices", r.Queue())
}

func TestReconnectDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, ReconnectDelay(1))
	assert.Equal(t, 30*time.Second, ReconnectDelay(6))
	assert.Equal(t, 60*time.Second, ReconnectDelay(12))
	assert.Equal(t, 60*time.Second, ReconnectDelay(50))
}
