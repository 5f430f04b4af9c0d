package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/driver"
	"github.com/wysh3/searchrelay/internal/faults"
)

// acquirePollInterval is how often Acquire re-examines the pool while
// waiting for a free, ready session.
const acquirePollInterval = 100 * time.Millisecond

// pooledSession is one pool slot. The slot identifier is stable across
// restarts of the underlying manager.
type pooledSession struct {
	id       string
	mgr      *Manager
	inUse    bool
	lastUsed time.Time
}

// PoolStatus is a point-in-time occupancy report.
type PoolStatus struct {
	Total     int
	InUse     int
	Available int
}

// Pool manages a fixed set of session managers for horizontal throughput.
// The size is fixed at construction; restarts replace entries in place.
type Pool struct {
	drv    driver.Driver
	cfg    *config.Config
	logger *zap.Logger

	mu           sync.Mutex
	entries      map[string]*pooledSession
	order        []string // stable iteration order for fairness
	shuttingDown bool
	initialized  bool
}

// NewPool creates an empty pool of the configured size. Sessions are not
// launched until Initialize.
func NewPool(drv driver.Driver, cfg *config.Config, logger *zap.Logger) *Pool {
	return &Pool{
		drv:     drv,
		cfg:     cfg,
		logger:  logger.Named("session_pool"),
		entries: make(map[string]*pooledSession),
	}
}

// Initialize launches every pooled session concurrently, each under its own
// bounded timeout. A single failure aborts the whole pool start and tears
// down whatever already launched.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("pool already initialized")
	}
	if p.shuttingDown {
		p.mu.Unlock()
		return fmt.Errorf("pool is shutting down")
	}
	size := p.cfg.Pool.Size
	managers := make([]*Manager, size)
	for i := 0; i < size; i++ {
		managers[i] = NewManager(p.drv, p.cfg, p.logger)
	}
	p.mu.Unlock()

	initTimeout := p.cfg.Pool.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 90 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, mgr := range managers {
		mgr := mgr
		g.Go(func() error {
			initCtx, cancel := context.WithTimeout(gctx, initTimeout)
			defer cancel()
			if err := mgr.Initialize(initCtx); err != nil {
				return fmt.Errorf("session %s failed to initialize: %w", mgr.ID(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Abort the whole start; best-effort teardown of the survivors.
		for _, mgr := range managers {
			mgr.Cleanup(context.Background())
		}
		return faults.Wrap(faults.KindInitialization, "pool initialization aborted", err)
	}

	p.mu.Lock()
	for _, mgr := range managers {
		entry := &pooledSession{id: mgr.ID(), mgr: mgr, lastUsed: time.Now()}
		p.entries[entry.id] = entry
		p.order = append(p.order, entry.id)
	}
	p.initialized = true
	p.mu.Unlock()

	p.logger.Info("Session pool initialized", zap.Int("size", size))
	return nil
}

// Acquire polls for a session that is both free and ready, marking it in use.
// It fails with a pool-exhaustion error once the timeout elapses.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Manager, error) {
	if timeout <= 0 {
		timeout = p.cfg.Pool.AcquireTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindPoolExhausted, "acquire cancelled", ctx.Err())
		}

		if mgr := p.tryAcquire(); mgr != nil {
			return mgr, nil
		}

		if time.Now().After(deadline) {
			status := p.Status()
			return nil, faults.Newf(faults.KindPoolExhausted,
				"no session available within %s (%d/%d in use)",
				timeout, status.InUse, status.Total)
		}
		if err := sleepCtx(ctx, acquirePollInterval); err != nil {
			return nil, faults.Wrap(faults.KindPoolExhausted, "acquire cancelled", err)
		}
	}
}

func (p *Pool) tryAcquire() *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown {
		return nil
	}
	for _, id := range p.order {
		entry := p.entries[id]
		if entry == nil || entry.inUse {
			continue
		}
		if !entry.mgr.IsReady() {
			continue
		}
		entry.inUse = true
		entry.lastUsed = time.Now()
		return entry.mgr
	}
	return nil
}

// Release clears the in-use flag for the entry owning mgr.
func (p *Pool) Release(mgr *Manager) {
	if mgr == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if entry.mgr == mgr {
			entry.inUse = false
			entry.lastUsed = time.Now()
			return
		}
	}
	p.logger.Warn("Release called for a session not owned by this pool",
		zap.String("session_id", mgr.ID()))
}

// Restart cleans up and replaces one pooled entry in place. The pool never
// changes size; the slot keeps its identifier.
func (p *Pool) Restart(ctx context.Context, id string) error {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no pooled session with id %s", id)
	}
	if p.shuttingDown {
		p.mu.Unlock()
		return fmt.Errorf("pool is shutting down")
	}
	old := entry.mgr
	p.mu.Unlock()

	old.Cleanup(ctx)

	replacement := NewManager(p.drv, p.cfg, p.logger)
	initTimeout := p.cfg.Pool.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 90 * time.Second
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := replacement.Initialize(initCtx); err != nil {
		return fmt.Errorf("failed to restart pooled session %s: %w", id, err)
	}

	p.mu.Lock()
	entry.mgr = replacement
	entry.inUse = false
	entry.lastUsed = time.Now()
	p.mu.Unlock()

	p.logger.Info("Pooled session restarted", zap.String("slot_id", id),
		zap.String("new_session_id", replacement.ID()))
	return nil
}

// Status reports total/in-use/available counts.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := PoolStatus{Total: len(p.entries)}
	for _, entry := range p.entries {
		if entry.inUse {
			status.InUse++
		} else {
			status.Available++
		}
	}
	return status
}

// HealthCheck partitions entries into healthy and unhealthy by readiness.
func (p *Pool) HealthCheck() (healthy, unhealthy []string) {
	p.mu.Lock()
	entries := make([]*pooledSession, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	for _, entry := range entries {
		if entry.mgr.IsReady() {
			healthy = append(healthy, entry.id)
		} else {
			unhealthy = append(unhealthy, entry.id)
		}
	}
	sort.Strings(healthy)
	sort.Strings(unhealthy)
	return healthy, unhealthy
}

// Cleanup is idempotent: it marks the pool as shutting down so no further
// acquisition succeeds, then best-effort cleans every entry concurrently.
func (p *Pool) Cleanup(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	entries := make([]*pooledSession, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *pooledSession) {
			defer wg.Done()
			e.mgr.Cleanup(ctx)
		}(entry)
	}
	wg.Wait()
	p.logger.Info("Session pool cleaned up", zap.Int("sessions", len(entries)))
}
