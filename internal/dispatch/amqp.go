package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"burstflare/internal/flare"
)

const (
	defaultExchange = "burstflare"
	defaultQueue    = "burstflare.jobs"
	jobRoutingKey   = "job"
)

// AMQP publishes jobs to a durable RabbitMQ queue. It reports builds as
// dispatched by queue. Any process holding an AMQP can also consume.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	logger   flare.Logger

	mu  sync.Mutex // guards pub; amqp channels are not safe for concurrent publishing
	pub *amqp.Channel
}

// NewAMQP connects to the broker and declares the exchange, queue and binding.
func NewAMQP(url, exchange, queue string, logger flare.Logger) (*AMQP, error) {
	if exchange == "" {
		exchange = defaultExchange
	}
	if queue == "" {
		queue = defaultQueue
	}
	if logger == nil {
		logger = flare.NewNopLogger()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(ch, exchange, queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQP{conn: conn, pub: ch, exchange: exchange, queue: queue, logger: logger}, nil
}

func declare(ch *amqp.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(queue, jobRoutingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

func (a *AMQP) publish(ctx context.Context, j Job) error {
	body, err := j.encode()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.pub.PublishWithContext(ctx, a.exchange, jobRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (a *AMQP) EnqueueBuild(ctx context.Context, buildID string) (flare.Dispatch, error) {
	if err := a.publish(ctx, Job{Type: JobBuild, BuildID: buildID}); err != nil {
		return flare.DispatchNone, err
	}
	return flare.DispatchQueue, nil
}

func (a *AMQP) EnqueueReconcile(ctx context.Context) error {
	return a.publish(ctx, Job{Type: JobReconcile})
}

// Run consumes jobs one at a time until ctx is canceled or the broker
// closes the delivery channel. Failed jobs are dropped rather than requeued;
// the engine's own retry and reconcile paths recover their builds.
func (a *AMQP) Run(ctx context.Context, h Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, a.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			a.handle(ctx, h, d)
		}
	}
}

func (a *AMQP) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	j, err := decodeJob(d.Body)
	if err != nil {
		a.logger.Warn("discarding malformed job", "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := run(ctx, h, a.logger, j); err != nil {
		a.logger.Warn("job failed", "type", j.Type, "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// Close closes the publishing channel and the connection.
func (a *AMQP) Close() error {
	if err := a.pub.Close(); err != nil {
		a.logger.Warn("closing RabbitMQ channel", "error", err)
	}
	return a.conn.Close()
}

var _ flare.Dispatcher = (*AMQP)(nil)
