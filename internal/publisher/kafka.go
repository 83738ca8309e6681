package publisher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/order-outbox/internal/domain/outbox"
)

var _ outbox.Publisher = (*Kafka)(nil)

// Kafka publishes events to a Kafka topic. Events are keyed by aggregate id
// so all events of one aggregate land on the same partition, preserving
// per-aggregate order.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a Kafka publisher for the given brokers and topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish writes one event to the topic and waits for broker acknowledgment.
func (p *Kafka) Publish(ctx context.Context, eventType, aggregateID string, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(aggregateID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		return errors.Wrap(err, "write kafka message")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Kafka) Close() error {
	return p.writer.Close()
}
