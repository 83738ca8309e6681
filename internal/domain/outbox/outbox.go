// Package outbox implements the transactional outbox: durable intent-to-publish
// records written alongside business state, relayed asynchronously to a message
// transport by a polling worker.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Status is the lifecycle state of an outbox event.
type Status string

const (
	// StatusPending marks an event that has never been claimed for delivery.
	StatusPending Status = "PENDING"
	// StatusInProgress marks an event claimed by a relay instance. The claim
	// carries an owner token and a lease expiry so a crashed relay's events
	// become reclaimable.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusSent is terminal: the transport accepted the event.
	StatusSent Status = "SENT"
	// StatusFailed marks a delivery failure that will be retried after
	// NextAttemptAt.
	StatusFailed Status = "FAILED"
	// StatusDead is terminal: delivery failed more than the configured
	// attempt cap. Dead events are never reselected.
	StatusDead Status = "DEAD"
)

// EventTypeOrderCreated tags events emitted by the order writer.
const EventTypeOrderCreated = "ORDER_CREATED"

// Event is one intent-to-publish record. Payload is a schema-less document
// carrying everything a consumer needs; it must never require a join back to
// the aggregate tables.
type Event struct {
	ID          string
	EventType   string
	AggregateID string
	Payload     map[string]any
	Status      Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEvent builds a pending event for the given aggregate.
func NewEvent(id, eventType, aggregateID string, payload map[string]any) *Event {
	return &Event{
		ID:          id,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusPending,
	}
}

// Publisher is the transport-side delivery capability. Implementations must
// honor ctx cancellation; the relay treats any returned error (including
// context deadline) as a delivery failure.
type Publisher interface {
	Publish(ctx context.Context, eventType, aggregateID string, payload []byte) error
}

// ErrNotClaimed is returned by Repository mutations when the targeted event is
// no longer claimed by the given owner (lease expired and another relay
// instance took over, or the status already moved on).
var ErrNotClaimed = errors.New("outbox event not claimed by this owner")

// Repository is the persistence port for the relay. The claim/mark protocol
// guarantees at most one owner per event at a time:
//
//	ClaimBatch moves due events to IN_PROGRESS under an owner token and lease;
//	MarkSent / MarkFailed / MarkDead only apply while that claim holds.
type Repository interface {
	// ClaimBatch atomically claims up to limit due events for owner, ordered
	// by creation time ascending. An event is due when it is PENDING, FAILED
	// with its retry schedule elapsed, or IN_PROGRESS with an expired lease.
	ClaimBatch(ctx context.Context, owner string, limit int, leaseFor time.Duration) ([]Event, error)

	// MarkSent transitions a claimed event to SENT and clears its error.
	MarkSent(ctx context.Context, id, owner string) error

	// MarkFailed records a delivery failure, increments the attempt counter,
	// and schedules the next retry.
	MarkFailed(ctx context.Context, id, owner, lastError string, nextAttemptAt time.Time) error

	// MarkDead records a final delivery failure and retires the event.
	MarkDead(ctx context.Context, id, owner, lastError string) error
}
