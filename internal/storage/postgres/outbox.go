package postgres

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-outbox/internal/domain/outbox"
)

// claimBatchSQL atomically claims due events for one owner. Due means:
// never claimed (PENDING), scheduled for retry (FAILED past next_attempt_at),
// or abandoned by a crashed relay (IN_PROGRESS past lease_expires_at).
// FOR UPDATE SKIP LOCKED keeps concurrent relay instances from blocking on
// each other's candidate rows.
const claimBatchSQL = `WITH due AS (
	SELECT id FROM outbox_events
	WHERE status = 'PENDING'
	   OR (status = 'FAILED' AND next_attempt_at <= now())
	   OR (status = 'IN_PROGRESS' AND lease_expires_at <= now())
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events e
SET status = 'IN_PROGRESS',
    owner_token = $1,
    lease_expires_at = now() + make_interval(secs => $3),
    updated_at = now()
FROM due
WHERE e.id = due.id
RETURNING e.id, e.event_type, e.aggregate_id, e.payload, e.attempts,
          COALESCE(e.last_error, ''), e.created_at, e.updated_at`

const markSentSQL = `UPDATE outbox_events
SET status = 'SENT', last_error = NULL, owner_token = NULL,
    lease_expires_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'IN_PROGRESS' AND owner_token = $2`

const markFailedSQL = `UPDATE outbox_events
SET status = 'FAILED', attempts = attempts + 1, last_error = $3,
    next_attempt_at = $4, owner_token = NULL, lease_expires_at = NULL,
    updated_at = now()
WHERE id = $1 AND status = 'IN_PROGRESS' AND owner_token = $2`

const markDeadSQL = `UPDATE outbox_events
SET status = 'DEAD', attempts = attempts + 1, last_error = $3,
    owner_token = NULL, lease_expires_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'IN_PROGRESS' AND owner_token = $2`

var _ outbox.Repository = (*OutboxRepository)(nil)

// OutboxRepository implements outbox.Repository backed by PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// ClaimBatch claims up to limit due events for owner and returns them in
// creation order.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, owner string, limit int, leaseFor time.Duration) ([]outbox.Event, error) {
	rows, err := r.pool.Query(ctx, claimBatchSQL, owner, limit, leaseFor.Seconds())
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox batch")
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var (
			ev      outbox.Event
			payload []byte
		)
		if err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.AggregateID, &payload,
			&ev.Attempts, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan outbox event")
		}
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, errors.Wrapf(err, "decode payload of event %q", ev.ID)
		}
		ev.Status = outbox.StatusInProgress
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate outbox events")
	}

	// UPDATE ... RETURNING does not guarantee row order; restore creation
	// order here so the relay dispatches oldest first.
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// MarkSent retires a claimed event as delivered.
func (r *OutboxRepository) MarkSent(ctx context.Context, id, owner string) error {
	tag, err := r.pool.Exec(ctx, markSentSQL, id, owner)
	if err != nil {
		return errors.Wrapf(err, "mark event %q sent", id)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotClaimed
	}
	return nil
}

// MarkFailed records a delivery failure and schedules the retry.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, owner, lastError string, nextAttemptAt time.Time) error {
	tag, err := r.pool.Exec(ctx, markFailedSQL, id, owner, lastError, nextAttemptAt)
	if err != nil {
		return errors.Wrapf(err, "mark event %q failed", id)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotClaimed
	}
	return nil
}

// MarkDead retires a claimed event to the dead-letter state.
func (r *OutboxRepository) MarkDead(ctx context.Context, id, owner, lastError string) error {
	tag, err := r.pool.Exec(ctx, markDeadSQL, id, owner, lastError)
	if err != nil {
		return errors.Wrapf(err, "mark event %q dead", id)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotClaimed
	}
	return nil
}
