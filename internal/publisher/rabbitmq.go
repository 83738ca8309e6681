package publisher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xenking/order-outbox/internal/domain/outbox"
)

var _ outbox.Publisher = (*RabbitMQ)(nil)

// amqpConnection is the subset of *amqp.Connection the publisher uses.
type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
}

// RabbitMQ publishes events to a durable queue.
type RabbitMQ struct {
	conn    amqpConnection
	channel *amqp.Channel
	queue   string
}

// NewRabbitMQ connects to the broker and declares the target queue. The
// connection is retried a few times because brokers are commonly slower to
// boot than this process.
func NewRabbitMQ(url, queueName string) (*RabbitMQ, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < 10; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, errors.Wrap(err, "connect to rabbitmq")
	}
	return newRabbitMQ(conn, queueName)
}

// newRabbitMQ finishes setup on an established connection. The connection is
// closed when channel or queue setup fails.
func newRabbitMQ(conn amqpConnection, queueName string) (*RabbitMQ, error) {
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare queue %q", queueName)
	}

	return &RabbitMQ{conn: conn, channel: ch, queue: queueName}, nil
}

// Publish delivers one persistent message to the queue.
func (p *RabbitMQ) Publish(ctx context.Context, eventType, aggregateID string, payload []byte) error {
	err := p.channel.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			Type:         eventType,
			MessageId:    aggregateID,
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		})
	if err != nil {
		return errors.Wrap(err, "publish message")
	}
	return nil
}

// Close shuts down the channel and connection.
func (p *RabbitMQ) Close() error {
	if err := p.channel.Close(); err != nil {
		return errors.Wrap(err, "close channel")
	}
	if err := p.conn.Close(); err != nil {
		return errors.Wrap(err, "close connection")
	}
	return nil
}
