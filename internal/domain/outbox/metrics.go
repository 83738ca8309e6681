package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	// Events counts processed events by outcome: sent, failed, dead.
	Events *prometheus.CounterVec
	// TickDuration observes how long one relay tick takes, including claim
	// and all publishes.
	TickDuration prometheus.Histogram
	// BatchSize observes how many events each tick claimed.
	BatchSize prometheus.Histogram
}

// NewMetrics creates and registers the relay metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_relay_events_total",
				Help: "Outbox events processed by the relay, by outcome.",
			},
			[]string{"outcome"},
		),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_relay_tick_duration_seconds",
			Help:    "Duration of one relay tick.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_relay_batch_size",
			Help:    "Number of events claimed per relay tick.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
	reg.MustRegister(m.Events, m.TickDuration, m.BatchSize)
	return m
}

// NopMetrics returns metrics that are not registered anywhere. Useful in
// tests and in callers that do not expose Prometheus.
func NopMetrics() *Metrics {
	return &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_relay_events_total"},
			[]string{"outcome"},
		),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "outbox_relay_tick_duration_seconds",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "outbox_relay_batch_size",
		}),
	}
}
