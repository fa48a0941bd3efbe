package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPConfig configures the RabbitMQ connection.
type AMQPConfig struct {
	URL      string `env:"URL"` // empty selects the in-memory queue
	Prefetch int    `env:"PREFETCH" envDefault:"2"`
}

// DefaultAMQPConfig returns the defaults used when no environment is set.
func DefaultAMQPConfig() AMQPConfig {
	return AMQPConfig{Prefetch: 2}
}

// AMQPQueue is a Queue on RabbitMQ. Every kind is a durable queue on the
// default exchange; messages are persistent and acknowledged manually.
type AMQPQueue struct {
	conn     *amqp.Connection
	prefetch int
	logger   zerolog.Logger
}

// NewAMQPQueue dials RabbitMQ.
func NewAMQPQueue(cfg AMQPConfig, logger zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jobs: amqp dial: %w", err)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultAMQPConfig().Prefetch
	}
	l := logger.With().Str("component", "amqp").Logger()
	l.Info().Msg("connected to RabbitMQ")
	return &AMQPQueue{conn: conn, prefetch: cfg.Prefetch, logger: l}, nil
}

func declare(ch *amqp.Channel, kind string) error {
	_, err := ch.QueueDeclare(
		kind,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("jobs: declare queue %s: %w", kind, err)
	}
	return nil
}

// Enqueue publishes msg on a short-lived channel.
func (q *AMQPQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", msg.Kind, err)
	}
	defer ch.Close()

	if err := declare(ch, msg.Kind); err != nil {
		return err
	}
	err = ch.Publish(
		"",       // default exchange
		msg.Kind, // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			ContentType:  "application/json",
			Body:         msg.Body,
		})
	if err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", msg.Kind, err)
	}
	return nil
}

// Consume processes deliveries one at a time until ctx is cancelled or the
// channel closes. Handler errors nack the delivery; only permanent errors
// drop it instead of requeueing.
func (q *AMQPQueue) Consume(ctx context.Context, kind string, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("jobs: consume %s: %w", kind, err)
	}
	defer ch.Close()

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("jobs: consume %s: qos: %w", kind, err)
	}
	if err := declare(ch, kind); err != nil {
		return err
	}
	deliveries, err := ch.Consume(
		kind,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("jobs: consume %s: %w", kind, err)
	}

	q.logger.Info().Str("queue", kind).Msg("consuming")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("jobs: consume %s: delivery channel closed", kind)
			}
			q.handle(ctx, kind, h, d)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, kind string, h Handler, d amqp.Delivery) {
	err := run(ctx, kind, h, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			q.logger.Error().Err(ackErr).Str("queue", kind).Msg("ack")
		}
	case IsPermanent(err):
		q.logger.Warn().Err(err).Str("queue", kind).Msg("dropping message")
		if nackErr := d.Nack(false, false); nackErr != nil {
			q.logger.Error().Err(nackErr).Str("queue", kind).Msg("nack")
		}
	default:
		q.logger.Warn().Err(err).Str("queue", kind).Bool("redelivered", d.Redelivered).Msg("requeueing message")
		if nackErr := d.Nack(false, true); nackErr != nil {
			q.logger.Error().Err(nackErr).Str("queue", kind).Msg("nack")
		}
	}
}

// Ping reports whether the broker connection is still open.
func (q *AMQPQueue) Ping(context.Context) error {
	if q.conn.IsClosed() {
		return errors.New("jobs: amqp connection closed")
	}
	return nil
}

// Close closes the connection.
func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}
