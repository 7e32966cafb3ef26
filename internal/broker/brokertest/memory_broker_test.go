package brokertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobdispatch/internal/broker"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMemoryBroker_DelayQueueDeadLettersIntoLiveQueue(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2025, 6, 21, 9, 0, 0, 0, time.UTC)}
	b := NewMemoryBroker()
	b.SetNow(clk.now)

	require.NoError(t, b.DeclareJobQueues(ctx, "real.jobs.sell"))
	require.NoError(t, b.Publish(ctx, "real.jobs.sell.delay", []byte(`{"run_id":"a"}`), broker.PublishOptions{TTL: 300 * time.Second}))

	b.Expire()
	assert.Empty(t, b.Ready("real.jobs.sell"))
	assert.Len(t, b.Ready("real.jobs.sell.delay"), 1)

	clk.t = clk.t.Add(299 * time.Second)
	b.Expire()
	assert.Empty(t, b.Ready("real.jobs.sell"))

	clk.t = clk.t.Add(time.Second)
	b.Expire()
	assert.Equal(t, [][]byte{[]byte(`{"run_id":"a"}`)}, b.Ready("real.jobs.sell"))
	assert.Empty(t, b.Ready("real.jobs.sell.delay"))
}

func TestMemoryBroker_LiveQueueTTLDrops(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Now()}
	b := NewMemoryBroker()
	b.SetNow(clk.now)

	require.NoError(t, b.DeclareJobQueues(ctx, "q"))
	require.NoError(t, b.Publish(ctx, "q", []byte("x"), broker.PublishOptions{TTL: time.Second}))
	clk.t = clk.t.Add(2 * time.Second)
	b.Expire()
	assert.Zero(t, b.Depth("q"))
}

func TestMemoryBroker_UnknownQueueDrops(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), "nowhere", []byte("x"), broker.PublishOptions{}))
	assert.Equal(t, 1, b.Dropped())
	assert.Empty(t, b.Published())
}

func TestMemoryBroker_ConsumeAckAndRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBroker()
	require.NoError(t, b.DeclareJobQueues(ctx, "q"))
	require.NoError(t, b.Publish(ctx, "q", []byte("one"), broker.PublishOptions{MessageID: "1"}))

	deliveries, err := b.Consume(ctx, "q", 1)
	require.NoError(t, err)

	d := <-deliveries
	assert.Equal(t, "one", string(d.Body))
	assert.Equal(t, 1, b.Depth("q"))
	require.NoError(t, d.Nack(true))

	d = <-deliveries
	assert.True(t, d.Redelivered)
	require.NoError(t, d.Ack())
	assert.Eventually(t, func() bool { return b.Depth("q") == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBroker_PurgeAndGet(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	require.NoError(t, b.DeclareJobQueues(ctx, "q"))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, "q", []byte("m"), broker.PublishOptions{}))
	}

	d, ok := b.Get("q")
	require.True(t, ok)
	n, err := b.Purge(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, b.Depth("q")) // unacked survives a purge
	require.NoError(t, d.Ack())
	assert.Zero(t, b.Depth("q"))

	require.NoError(t, b.DeleteQueue(ctx, "q"))
	assert.False(t, b.Declared("q"))
}
