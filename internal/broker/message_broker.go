package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobdispatch/internal/constants"
)

var (
	ErrBrokerClosed   = errors.New("broker is closed")
	ErrAlreadySettled = errors.New("delivery already acked or nacked")
)

// PublishOptions tune a single publish.
type PublishOptions struct {
	// TTL sets the per-message expiration. Zero publishes without one.
	TTL       time.Duration
	MessageID string
}

// Delivery is one message handed to a consumer. It must be acked or nacked.
type Delivery struct {
	Body        []byte
	MessageID   string
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(body []byte, messageID string, redelivered bool, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, MessageID: messageID, Redelivered: redelivered, ack: ack, nack: nack}
}

// TrackDelivery registers d with pending and returns a delivery whose first
// ack or nack marks it settled. A consumer waits on pending before closing
// the channel the deliveries were received on.
func TrackDelivery(d Delivery, pending *sync.WaitGroup) Delivery {
	pending.Add(1)
	var once sync.Once
	ack, nack := d.ack, d.nack

	d.ack = func() error {
		err := ErrAlreadySettled
		once.Do(func() {
			defer pending.Done()
			err = ack()
		})
		return err
	}
	d.nack = func(requeue bool) error {
		err := ErrAlreadySettled
		once.Do(func() {
			defer pending.Done()
			err = nack(requeue)
		})
		return err
	}
	return d
}

func (d Delivery) Ack() error {
	return d.ack()
}

func (d Delivery) Nack(requeue bool) error {
	return d.nack(requeue)
}

// MessageBroker is the queue fabric used by the control-plane and workers.
type MessageBroker interface {
	// DeclareJobQueues declares the live queue and its delay queue. The delay
	// queue dead-letters expired messages into the live queue.
	DeclareJobQueues(ctx context.Context, queue string) error
	Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) error
	// Consume delivers messages from queue with manual acknowledgement and
	// at most prefetch unacknowledged messages. The channel closes when ctx
	// ends or the connection is lost. Deliveries already handed out can
	// still be acked or nacked after ctx ends.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
	// Purge drops the ready messages of queue and returns how many.
	Purge(ctx context.Context, queue string) (int, error)
	DeleteQueue(ctx context.Context, queue string) error
	Close() error
}

// DelayQueueName returns the delay queue paired with a live queue.
func DelayQueueName(queue string) string {
	return queue + constants.DelayQueueSuffix
}

// ScopedQueueName returns the live queue for a job. An empty queue defaults
// to <scope>.jobs.<jobID>; a queue without the scope prefix gets it.
func ScopedQueueName(scope, queue, jobID string) string {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return scope + constants.ScopedQueueInfix + jobID
	}
	if strings.HasPrefix(queue, scope+".") {
		return queue
	}
	return scope + "." + queue
}
