package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var _ MessageBroker = (*RabbitMQ)(nil)

// RabbitMQ publishes on the default exchange, so the routing key of every
// message is the name of the queue it goes to.
type RabbitMQ struct {
	url    string
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewRabbitMQ creates a new instance of RabbitMQ message broker.
func NewRabbitMQ(url string, logger zerolog.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{
		url:    url,
		logger: logger.With().Str("component", "rabbitmq").Logger(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.ensureChannel(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) ensureConn() (*amqp.Connection, error) {
	if r.closed {
		return nil, ErrBrokerClosed
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to rabbitmq")
	}
	r.conn = conn
	r.channel = nil
	r.logger.Info().Msg("connected to rabbitmq")

	return conn, nil
}

func (r *RabbitMQ) ensureChannel() (*amqp.Channel, error) {
	conn, err := r.ensureConn()
	if err != nil {
		return nil, err
	}
	if r.channel != nil && !r.channel.IsClosed() {
		return r.channel, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open rabbitmq channel")
	}
	r.channel = ch

	return ch, nil
}

// withChannel runs fn on the shared channel. A server-side channel error
// closes the channel, so fn is retried once on a fresh one.
func (r *RabbitMQ) withChannel(fn func(ch *amqp.Channel) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.ensureChannel()
	if err != nil {
		return err
	}
	err = fn(ch)
	if err == nil || !ch.IsClosed() {
		return err
	}

	r.logger.Warn().Err(err).Msg("rabbitmq channel closed, retrying on a new channel")
	ch, retryErr := r.ensureChannel()
	if retryErr != nil {
		return errors.CombineErrors(err, retryErr)
	}
	return fn(ch)
}

func (r *RabbitMQ) DeclareJobQueues(_ context.Context, queue string) error {
	return r.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "failed to declare queue %s", queue)
		}

		delayArgs := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}
		if _, err := ch.QueueDeclare(DelayQueueName(queue), true, false, false, false, delayArgs); err != nil {
			return errors.Wrapf(err, "failed to declare delay queue %s", DelayQueueName(queue))
		}

		return nil
	})
}

func (r *RabbitMQ) Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    opts.MessageID,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if opts.TTL > 0 {
		msg.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
	}

	return r.withChannel(func(ch *amqp.Channel) error {
		if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
			return errors.Wrapf(err, "failed to publish to %s", queue)
		}
		return nil
	})
}

// Consume opens a dedicated channel so the prefetch limit applies to this
// consumer only. When ctx ends the consumer is cancelled, but the channel is
// kept open until every delivery handed out has been settled; acks sent on a
// closed channel would make the broker redeliver finished work.
func (r *RabbitMQ) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	r.mu.Lock()
	conn, err := r.ensureConn()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open consumer channel")
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "failed to set prefetch")
	}

	tag := "jobdispatch-" + uuid.NewString()
	msgs, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "failed to consume %s", queue)
	}

	out := make(chan Delivery)
	var pending sync.WaitGroup

	go func() {
		defer func() {
			go func() {
				pending.Wait()
				_ = ch.Close()
			}()
		}()
		defer close(out)

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d := TrackDelivery(NewDelivery(msg.Body, msg.MessageId, msg.Redelivered,
					func() error { return msg.Ack(false) },
					func(requeue bool) error { return msg.Nack(false, requeue) },
				), &pending)
				select {
				case out <- d:
				case <-ctx.Done():
					_ = d.Nack(true)
					r.cancelConsumer(ch, tag, msgs)
					return
				}
			case <-ctx.Done():
				r.cancelConsumer(ch, tag, msgs)
				return
			}
		}
	}()

	return out, nil
}

// cancelConsumer stops deliveries for tag and requeues the ones the client
// library had already buffered.
func (r *RabbitMQ) cancelConsumer(ch *amqp.Channel, tag string, msgs <-chan amqp.Delivery) {
	if err := ch.Cancel(tag, false); err != nil {
		r.logger.Warn().Err(err).Str("consumer", tag).Msg("failed to cancel consumer")
		return
	}
	for msg := range msgs {
		_ = msg.Nack(false, true)
	}
}

func (r *RabbitMQ) Purge(_ context.Context, queue string) (int, error) {
	var purged int
	err := r.withChannel(func(ch *amqp.Channel) error {
		n, err := ch.QueuePurge(queue, false)
		if err != nil {
			return errors.Wrapf(err, "failed to purge %s", queue)
		}
		purged = n
		return nil
	})
	return purged, err
}

func (r *RabbitMQ) DeleteQueue(_ context.Context, queue string) error {
	return r.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
			return errors.Wrapf(err, "failed to delete %s", queue)
		}
		return nil
	})
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.conn == nil {
		return nil
	}
	if r.channel != nil {
		_ = r.channel.Close()
	}
	err := r.conn.Close()
	r.conn, r.channel = nil, nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown lets the injector close the broker.
func (r *RabbitMQ) Shutdown() error {
	return r.Close()
}
