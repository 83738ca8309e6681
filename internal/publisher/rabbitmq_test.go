package publisher

import (
	"testing"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	channelErr error
	closed     bool
}

func (f *fakeConnection) Channel() (*amqp.Channel, error) {
	return nil, f.channelErr
}

func (f *fakeConnection) Close() error {
	f.closed = true
	return nil
}

func TestNewRabbitMQ_ClosesConnectionOnChannelFailure(t *testing.T) {
	conn := &fakeConnection{channelErr: errors.New("channel exhausted")}

	_, err := newRabbitMQ(conn, "orders.events")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open channel")
	assert.True(t, conn.closed, "failed setup must not leak the connection")
}
