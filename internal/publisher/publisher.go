// Package publisher provides concrete Publisher implementations for the
// outbox relay: Kafka, RabbitMQ, and a log-only publisher for development.
package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/xenking/order-outbox/internal/domain/outbox"
)

var _ outbox.Publisher = (*Log)(nil)

// Log is a development publisher that writes events to the logger instead of
// a transport. Always succeeds.
type Log struct {
	lg *zap.Logger
}

// NewLog creates a log-only publisher.
func NewLog(lg *zap.Logger) *Log {
	return &Log{lg: lg}
}

// Publish logs the event and reports success.
func (p *Log) Publish(_ context.Context, eventType, aggregateID string, payload []byte) error {
	p.lg.Info("Publish event",
		zap.String("event_type", eventType),
		zap.String("aggregate_id", aggregateID),
		zap.ByteString("payload", payload),
	)
	return nil
}
