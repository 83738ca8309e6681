// Package health implements liveness and readiness probes for the API server
// and the relay worker.
//
// Probes run on a shared background loop. A probe flips to unhealthy only
// after failing a configurable number of consecutive times, and flips back
// after the same style of consecutive successes, so a single slow database
// ping does not bounce the service out of the load balancer.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// Kind separates liveness probes from readiness probes.
type Kind int

const (
	// Liveness probes decide whether the process should be restarted.
	Liveness Kind = iota
	// Readiness probes decide whether the process should receive traffic.
	Readiness
)

// Option adjusts a single probe's configuration.
type Option func(*probe)

// WithTimeout bounds a single probe execution. Default is one second.
func WithTimeout(d time.Duration) Option {
	return func(p *probe) { p.timeout = d }
}

// WithFailAfter sets how many consecutive failures mark the probe unhealthy.
// Default is 3.
func WithFailAfter(n int) Option {
	return func(p *probe) { p.failAfter = n }
}

// WithPassAfter sets how many consecutive successes mark the probe healthy
// again. Default is 1.
func WithPassAfter(n int) Option {
	return func(p *probe) { p.passAfter = n }
}

type probe struct {
	name      string
	kind      Kind
	fn        CheckFunc
	timeout   time.Duration
	failAfter int
	passAfter int

	// healthy and lastErr are read from HTTP handlers while the runner
	// goroutine writes them.
	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// streak counters belong to the runner goroutine only.
	fails  int
	passes int
}

func (p *probe) execute(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.fn(ctx)
	p.lastErr.Store(&err)

	if err != nil {
		p.passes = 0
		if p.fails++; p.fails >= p.failAfter {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	if p.passes++; p.passes >= p.passAfter {
		p.healthy.Store(true)
	}
}

func (p *probe) failure() (string, bool) {
	if p.healthy.Load() {
		return "", false
	}
	if errp := p.lastErr.Load(); errp != nil && *errp != nil {
		return (*errp).Error(), true
	}
	return "probe is unhealthy", true
}

// Service runs registered probes and serves their state over HTTP.
type Service struct {
	ready atomic.Bool

	mu     sync.Mutex
	probes []*probe
	cancel context.CancelFunc
}

// NewService creates a probe service. It starts not ready; call SetReady(true)
// once initialization is done.
func NewService() *Service {
	return &Service{}
}

// Register adds a probe. Probes registered after Start are not picked up
// until the next Start.
func (s *Service) Register(name string, kind Kind, fn CheckFunc, opts ...Option) {
	p := &probe{
		name:      name,
		kind:      kind,
		fn:        fn,
		timeout:   time.Second,
		failAfter: 3,
		passAfter: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.healthy.Store(true)

	s.mu.Lock()
	s.probes = append(s.probes, p)
	s.mu.Unlock()
}

// Start runs all probes on one background loop at the given interval, until
// ctx is cancelled or Stop is called. Probes execute once immediately.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	probes := make([]*probe, len(s.probes))
	copy(probes, s.probes)
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			for _, p := range probes {
				p.execute(ctx)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the background probe loop. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SetReady flips the manual readiness gate. Graceful shutdown sets it to
// false so the load balancer drains the instance before the listener closes.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// IsReady reports whether the manual gate is open and every readiness probe
// is healthy.
func (s *Service) IsReady() bool {
	if !s.ready.Load() {
		return false
	}
	for _, p := range s.snapshot(Readiness) {
		if _, failed := p.failure(); failed {
			return false
		}
	}
	return true
}

func (s *Service) snapshot(kind Kind) []*probe {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*probe, 0, len(s.probes))
	for _, p := range s.probes {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

type probeReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveHandler serves the liveness endpoint: 200 while all liveness probes
// pass, 503 with per-probe errors otherwise.
func (s *Service) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.report(w, s.failures(Liveness))
	}
}

// ReadyHandler serves the readiness endpoint: 200 only when the manual gate
// is open and all readiness probes pass.
func (s *Service) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		failures := s.failures(Readiness)
		if !s.ready.Load() {
			failures["service"] = "not ready"
		}
		s.report(w, failures)
	}
}

func (s *Service) failures(kind Kind) map[string]string {
	failures := make(map[string]string)
	for _, p := range s.snapshot(kind) {
		if msg, failed := p.failure(); failed {
			failures[p.name] = msg
		}
	}
	return failures
}

func (s *Service) report(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	resp := probeReport{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
