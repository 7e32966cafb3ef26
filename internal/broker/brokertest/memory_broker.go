// Package brokertest provides an in-memory broker.MessageBroker that follows
// the RabbitMQ semantics the dispatcher relies on: per-message TTL,
// dead-lettering from a delay queue into its live queue, prefetch, manual
// acknowledgement and purge.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobdispatch/internal/broker"
)

var _ broker.MessageBroker = (*MemoryBroker)(nil)

// Publication records one successful publish.
type Publication struct {
	Queue string
	Body  []byte
	TTL   time.Duration
}

type message struct {
	tag         uint64
	body        []byte
	id          string
	expiresAt   time.Time
	redelivered bool
}

type queue struct {
	deadLetterTo string
	ready        []*message
	unacked      map[uint64]*message
}

type MemoryBroker struct {
	mu      sync.Mutex
	now     func() time.Time
	queues  map[string]*queue
	nextTag uint64
	closed  bool

	published []Publication
	dropped   int

	// PublishErr, when set, fails every publish.
	PublishErr error
	// PurgeErr, when set, fails every purge.
	PurgeErr error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		now:    time.Now,
		queues: make(map[string]*queue),
	}
}

// SetNow replaces the clock used for message expiry.
func (b *MemoryBroker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBroker) DeclareJobQueues(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrBrokerClosed
	}
	b.declareLocked(name, "")
	b.declareLocked(broker.DelayQueueName(name), name)
	return nil
}

func (b *MemoryBroker) declareLocked(name, deadLetterTo string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{unacked: make(map[uint64]*message)}
		b.queues[name] = q
	}
	q.deadLetterTo = deadLetterTo
	return q
}

func (b *MemoryBroker) Publish(_ context.Context, name string, body []byte, opts broker.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrBrokerClosed
	}
	if b.PublishErr != nil {
		return b.PublishErr
	}

	q, ok := b.queues[name]
	if !ok {
		// the default exchange silently drops messages for unknown queues
		b.dropped++
		return nil
	}

	b.nextTag++
	msg := &message{tag: b.nextTag, body: append([]byte(nil), body...), id: opts.MessageID}
	if opts.TTL > 0 {
		msg.expiresAt = b.now().Add(opts.TTL)
	}
	q.ready = append(q.ready, msg)
	b.published = append(b.published, Publication{Queue: name, Body: msg.body, TTL: opts.TTL})

	return nil
}

// expireLocked removes expired ready messages, moving them to the queue's
// dead-letter target when it has one.
func (b *MemoryBroker) expireLocked() {
	now := b.now()
	for _, q := range b.queues {
		kept := q.ready[:0]
		var expired []*message
		for _, m := range q.ready {
			if !m.expiresAt.IsZero() && !now.Before(m.expiresAt) {
				expired = append(expired, m)
				continue
			}
			kept = append(kept, m)
		}
		q.ready = kept

		if q.deadLetterTo == "" {
			continue
		}
		target, ok := b.queues[q.deadLetterTo]
		if !ok {
			continue
		}
		for _, m := range expired {
			m.expiresAt = time.Time{}
			target.ready = append(target.ready, m)
		}
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, name string, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrBrokerClosed
	}
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Newf("queue %s not declared", name)
	}

	out := make(chan broker.Delivery)
	inflight := make(chan struct{}, prefetch)

	go func() {
		defer close(out)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case inflight <- struct{}{}:
			}

			var msg *message
			var redelivered bool
			for msg == nil {
				b.mu.Lock()
				if b.closed {
					b.mu.Unlock()
					return
				}
				b.expireLocked()
				if len(q.ready) > 0 {
					msg = q.ready[0]
					q.ready = q.ready[1:]
					q.unacked[msg.tag] = msg
					redelivered = msg.redelivered
				}
				b.mu.Unlock()

				if msg == nil {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}

			d := b.delivery(q, msg, redelivered, inflight)
			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Nack(true)
				return
			}
		}
	}()

	return out, nil
}

func (b *MemoryBroker) delivery(q *queue, msg *message, redelivered bool, inflight chan struct{}) broker.Delivery {
	var once sync.Once
	settle := func(requeue bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := q.unacked[msg.tag]; !ok {
			return
		}
		delete(q.unacked, msg.tag)
		if requeue {
			msg.redelivered = true
			q.ready = append([]*message{msg}, q.ready...)
		}
	}
	release := func() {
		if inflight != nil {
			<-inflight
		}
	}

	return broker.NewDelivery(msg.body, msg.id, redelivered,
		func() error {
			once.Do(func() { settle(false); release() })
			return nil
		},
		func(requeue bool) error {
			once.Do(func() { settle(requeue); release() })
			return nil
		},
	)
}

// Get pulls one ready message from name without a consumer, like basic.get.
func (b *MemoryBroker) Get(name string) (broker.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	q, ok := b.queues[name]
	if !ok || len(q.ready) == 0 {
		return broker.Delivery{}, false
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	q.unacked[msg.tag] = msg

	return b.delivery(q, msg, msg.redelivered, nil), true
}

func (b *MemoryBroker) Purge(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PurgeErr != nil {
		return 0, b.PurgeErr
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, errors.Newf("queue %s not found", name)
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

func (b *MemoryBroker) DeleteQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.queues, name)
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

// Expire applies message expiry at the current clock.
func (b *MemoryBroker) Expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
}

// Ready returns the bodies of the ready messages of name, oldest first.
func (b *MemoryBroker) Ready(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.body)
	}
	return out
}

// Depth counts ready and unacknowledged messages of name.
func (b *MemoryBroker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.ready) + len(q.unacked)
}

// Declared reports whether name exists.
func (b *MemoryBroker) Declared(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.queues[name]
	return ok
}

func (b *MemoryBroker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Publication(nil), b.published...)
}

func (b *MemoryBroker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dropped
}
