// Package breaker implements a consecutive-failure circuit breaker guarding
// the search surface. A tripped breaker fails calls immediately instead of
// burning sessions against an upstream that is refusing to serve.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/faults"
)

// State is the breaker's admission mode.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time breaker report.
type Stats struct {
	State               State
	ConsecutiveFailures int
	TotalCalls          int64
	TotalFailures       int64
	TotalRejections     int64
	LastFailure         time.Time
	OpenedAt            time.Time
}

// Breaker trips open after a run of consecutive failures and recloses through
// a half-open trial once the cooldown has passed.
type Breaker struct {
	name   string
	cfg    config.BreakerConfig
	logger *zap.Logger

	// now is swappable so tests control the clock.
	now func() time.Time

	mu            sync.Mutex
	state         State
	consecutive   int
	trialInFlight bool
	openedAt      time.Time
	stats         Stats
}

// New creates a closed breaker.
func New(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.Named("breaker").With(zap.String("breaker", name)),
		now:    time.Now,
	}
}

// Execute runs op under the breaker's admission policy. Rejections carry the
// circuit-open failure class and say how long until the next trial.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed, transitioning OPEN to HALF_OPEN
// when the cooldown has elapsed. Only one trial call is admitted at a time.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.stats.TotalCalls++
		return nil

	case StateOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			b.stats.TotalRejections++
			return faults.Newf(faults.KindCircuitOpen,
				"%s circuit is open, retry in %s", b.name, remaining.Round(time.Second))
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		b.stats.TotalCalls++
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.stats.TotalRejections++
			return faults.Newf(faults.KindCircuitOpen,
				"%s circuit is half-open with a trial in flight", b.name)
		}
		b.trialInFlight = true
		b.stats.TotalCalls++
		return nil
	}
	return nil
}

// record applies a call outcome. In half-open, the single trial decides the
// next state outright.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		b.trialInFlight = false
		b.consecutive = 0
		b.stats.ConsecutiveFailures = 0
		return
	}

	b.stats.TotalFailures++
	b.stats.LastFailure = b.now()
	b.trialInFlight = false

	if b.state == StateHalfOpen {
		// The trial failed; go straight back to open with a fresh cooldown.
		b.open()
		return
	}

	b.consecutive++
	b.stats.ConsecutiveFailures = b.consecutive
	if b.state == StateClosed && b.consecutive >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.now()
	b.stats.OpenedAt = b.openedAt
	b.consecutive = 0
	b.stats.ConsecutiveFailures = 0
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	b.logger.Info("Circuit state changed",
		zap.String("from", b.state.String()), zap.String("to", next.String()))
	b.state = next
}

// Reset forces the breaker closed and clears the failure run. Counters for
// totals are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.trialInFlight = false
	b.consecutive = 0
	b.stats.ConsecutiveFailures = 0
}

// GetState returns the current admission mode.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns a copy of the breaker's counters.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	stats.State = b.state
	return stats
}

// Registry hands out one breaker per name so independent failure domains trip
// independently.
type Registry struct {
	cfg    config.BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg config.BreakerConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// All returns every registered breaker.
func (r *Registry) All() map[string]*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b
	}
	return out
}
