package outbox

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RelayConfig controls the polling relay.
type RelayConfig struct {
	// Interval between ticks.
	Interval time.Duration
	// Batch is the maximum number of events claimed per tick.
	Batch int
	// PublishTimeout bounds a single Publisher call. A timeout counts as a
	// delivery failure.
	PublishTimeout time.Duration
	// MaxAttempts is the total delivery attempts before an event is retired
	// to DEAD.
	MaxAttempts int
	// RetryBackoff is the base delay before the first retry; it doubles per
	// attempt up to MaxBackoff.
	RetryBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// LeaseTTL is how long a claim holds before other relay instances may
	// reclaim the event.
	LeaseTTL time.Duration
}

func (c *RelayConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
}

// Relay polls the outbox for due events and hands them to the Publisher.
// One Relay instance processes at most one batch at a time: the tick body
// runs inline in the control loop, so a slow batch delays the next tick
// instead of overlapping it. Multiple instances are safe because every
// selection goes through the claim protocol.
type Relay struct {
	repo    Repository
	pub     Publisher
	cfg     RelayConfig
	owner   string
	metrics *Metrics

	now func() time.Time
}

// NewRelay creates a relay with its own owner token. Zero config fields fall
// back to defaults (1s interval, batch 50, 5s publish timeout, 8 attempts).
func NewRelay(repo Repository, pub Publisher, cfg RelayConfig, metrics *Metrics) *Relay {
	cfg.setDefaults()
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Relay{
		repo:    repo,
		pub:     pub,
		cfg:     cfg,
		owner:   uuid.New().String(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run executes the relay loop until ctx is cancelled. It never returns a
// non-nil error for per-tick failures; those are logged and the next tick
// proceeds independently.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx).With(zap.String("owner", r.owner))
	lg.Info("Outbox relay started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch", r.cfg.Batch),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick claims one batch and dispatches it sequentially in creation order.
func (r *Relay) tick(ctx context.Context) {
	lg := zctx.From(ctx)
	started := r.now()

	events, err := r.repo.ClaimBatch(ctx, r.owner, r.cfg.Batch, r.cfg.LeaseTTL)
	if err != nil {
		lg.Error("Claim outbox batch", zap.Error(err))
		return
	}
	r.metrics.BatchSize.Observe(float64(len(events)))
	if len(events) == 0 {
		return
	}

	for i := range events {
		r.dispatch(ctx, &events[i])
	}
	r.metrics.TickDuration.Observe(r.now().Sub(started).Seconds())
}

// dispatch publishes a single claimed event and records the outcome. A
// failure here never aborts the rest of the batch.
func (r *Relay) dispatch(ctx context.Context, ev *Event) {
	lg := zctx.From(ctx).With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("aggregate_id", ev.AggregateID),
	)

	body, err := json.Marshal(ev.Payload)
	if err != nil {
		// A payload that cannot be serialized will never publish; retire it
		// instead of retrying forever.
		lg.Error("Encode outbox payload", zap.Error(err))
		r.retire(ctx, ev, errors.Wrap(err, "encode payload"))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	err = r.pub.Publish(pubCtx, ev.EventType, ev.AggregateID, body)
	cancel()

	if err != nil {
		r.recordFailure(ctx, ev, err)
		return
	}

	if err := r.repo.MarkSent(ctx, ev.ID, r.owner); err != nil {
		if errors.Is(err, ErrNotClaimed) {
			// Lease expired mid-publish and another instance took over. The
			// event may be delivered twice; consumers are idempotent.
			lg.Warn("Lost claim after publish")
			return
		}
		lg.Error("Mark outbox event sent", zap.Error(err))
		return
	}
	r.metrics.Events.WithLabelValues("sent").Inc()
}

// recordFailure schedules a retry or retires the event once the attempt cap
// is reached.
func (r *Relay) recordFailure(ctx context.Context, ev *Event, cause error) {
	lg := zctx.From(ctx).With(zap.String("event_id", ev.ID))
	attempt := ev.Attempts + 1

	if attempt >= r.cfg.MaxAttempts {
		r.retire(ctx, ev, cause)
		return
	}

	next := r.now().Add(r.backoff(attempt))
	if err := r.repo.MarkFailed(ctx, ev.ID, r.owner, errString(cause), next); err != nil {
		if errors.Is(err, ErrNotClaimed) {
			lg.Warn("Lost claim while recording failure")
			return
		}
		lg.Error("Mark outbox event failed", zap.Error(err))
		return
	}
	r.metrics.Events.WithLabelValues("failed").Inc()
	lg.Warn("Publish failed, retry scheduled",
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", next),
		zap.Error(cause),
	)
}

// retire moves an event to the DEAD state.
func (r *Relay) retire(ctx context.Context, ev *Event, cause error) {
	lg := zctx.From(ctx).With(zap.String("event_id", ev.ID))
	if err := r.repo.MarkDead(ctx, ev.ID, r.owner, errString(cause)); err != nil {
		if errors.Is(err, ErrNotClaimed) {
			lg.Warn("Lost claim while retiring event")
			return
		}
		lg.Error("Mark outbox event dead", zap.Error(err))
		return
	}
	r.metrics.Events.WithLabelValues("dead").Inc()
	lg.Error("Outbox event retired to dead letter",
		zap.Int("attempts", ev.Attempts+1),
		zap.Error(cause),
	)
}

// backoff returns the delay before the given retry attempt (1-based),
// doubling per attempt and capped at MaxBackoff.
func (r *Relay) backoff(attempt int) time.Duration {
	d := r.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	if d > r.cfg.MaxBackoff {
		return r.cfg.MaxBackoff
	}
	return d
}

// errString normalizes a failure into the string stored on the event record.
// The transport error shape is discarded at this boundary. Truncation backs
// up to a rune boundary so the stored text stays valid UTF-8.
func errString(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 1024
	s := err.Error()
	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
