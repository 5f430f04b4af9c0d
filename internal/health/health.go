// Package health runs periodic liveness checks over the application's
// components and drives automatic recovery when a check stays bad.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/faults"
	"github.com/wysh3/searchrelay/internal/observability"
)

// Status is the current assessment of one check.
type Status int

const (
	// StatusHealthy means the last runs passed.
	StatusHealthy Status = iota
	// StatusDegraded means recent failures below the unhealthy threshold,
	// or an unhealthy check on its way back up.
	StatusDegraded
	// StatusUnhealthy means the failure threshold was crossed.
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckFunc probes one component. A nil return means the component is fine.
type CheckFunc func(ctx context.Context) error

// RecoverFunc attempts to repair an unhealthy component. It fires once per
// unhealthy episode.
type RecoverFunc func(ctx context.Context) error

// Check describes one registered probe. Interval and Timeout fall back to
// the manager-wide configuration when zero.
type Check struct {
	Name     string
	Probe    CheckFunc
	Recover  RecoverFunc
	Interval time.Duration
	Timeout  time.Duration
}

// Result is the externally visible state of one check.
type Result struct {
	Name                 string
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastErr              error
	LastRun              time.Time
}

type entry struct {
	def Check

	status    Status
	failures  int
	successes int
	lastErr   error
	lastRun   time.Time
	recovered bool // recovery already fired for the current episode
}

// Manager owns the registered checks and their polling goroutines.
type Manager struct {
	cfg    config.HealthConfig
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager with no checks registered.
func NewManager(cfg config.HealthConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("health"),
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a check. New checks start healthy. Registration after Start
// is not supported.
func (m *Manager) Register(c Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[c.Name] = &entry{def: c}
	observability.HealthStatus.WithLabelValues(c.Name).Set(0)
}

// Start launches one polling goroutine per registered check.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		interval := e.def.Interval
		if interval <= 0 {
			interval = m.cfg.Interval
		}
		m.wg.Add(1)
		go m.poll(ctx, e, interval)
	}
	m.logger.Info("Health manager started", zap.Int("checks", len(entries)))
}

func (m *Manager) poll(ctx context.Context, e *entry, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.run(ctx, e)
		}
	}
}

// run executes one probe under the check timeout and applies the outcome.
func (m *Manager) run(ctx context.Context, e *entry) Result {
	timeout := e.def.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CheckTimeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan error, 1)
	go func() { done <- e.def.Probe(probeCtx) }()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = faults.Newf(faults.KindHealthCheckTimeout,
			"%s health check exceeded %s", e.def.Name, timeout)
	}
	cancel()

	return m.apply(ctx, e, err)
}

// apply folds one probe outcome into the check's state machine.
func (m *Manager) apply(ctx context.Context, e *entry, err error) Result {
	m.mu.Lock()
	e.lastRun = time.Now()
	e.lastErr = err

	var fireRecovery RecoverFunc
	if err != nil {
		e.failures++
		e.successes = 0
		switch {
		case e.failures >= m.cfg.FailureThreshold:
			if e.status != StatusUnhealthy {
				m.logger.Error("Check became unhealthy",
					zap.String("check", e.def.Name),
					zap.Int("failures", e.failures), zap.Error(err))
			}
			e.status = StatusUnhealthy
			if !e.recovered && e.def.Recover != nil {
				e.recovered = true
				fireRecovery = e.def.Recover
			}
		default:
			e.status = StatusDegraded
		}
	} else {
		e.successes++
		e.failures = 0
		if e.status != StatusHealthy {
			if e.successes >= m.cfg.RecoveryThreshold {
				m.logger.Info("Check recovered", zap.String("check", e.def.Name))
				e.status = StatusHealthy
				e.recovered = false
			} else {
				e.status = StatusDegraded
			}
		}
	}
	result := resultLocked(e)
	observability.HealthStatus.WithLabelValues(e.def.Name).Set(float64(e.status))
	m.mu.Unlock()

	if fireRecovery != nil {
		m.logger.Warn("Triggering automatic recovery", zap.String("check", e.def.Name))
		if rerr := fireRecovery(ctx); rerr != nil {
			m.logger.Error("Automatic recovery failed",
				zap.String("check", e.def.Name), zap.Error(rerr))
		}
	}
	return result
}

func resultLocked(e *entry) Result {
	return Result{
		Name:                 e.def.Name,
		Status:               e.status,
		ConsecutiveFailures:  e.failures,
		ConsecutiveSuccesses: e.successes,
		LastErr:              e.lastErr,
		LastRun:              e.lastRun,
	}
}

// CheckNow runs one check immediately, outside its schedule.
func (m *Manager) CheckNow(ctx context.Context, name string) (Result, bool) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	return m.run(ctx, e), true
}

// CheckAll runs every registered check immediately and returns the results
// sorted by name.
func (m *Manager) CheckAll(ctx context.Context) []Result {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		results = append(results, m.run(ctx, e))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Status reports the current assessment of one check without probing.
func (m *Manager) Status(name string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return Result{}, false
	}
	return resultLocked(e), true
}

// Stop halts all polling goroutines. Idempotent via the closed channel check.
func (m *Manager) Stop() {
	m.mu.Lock()
	select {
	case <-m.stopCh:
		m.mu.Unlock()
		return
	default:
	}
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info("Health manager stopped")
}
