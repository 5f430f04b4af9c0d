// Package shutdown sequences teardown: components register hooks with a
// priority, and shutdown runs them one at a time from highest priority to
// lowest, so request intake stops before the sessions it feeds are closed.
package shutdown

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hook is one registered teardown step.
type Hook struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context) error
}

// Coordinator collects hooks and runs them exactly once.
type Coordinator struct {
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []Hook

	once sync.Once
	done chan struct{}
}

// NewCoordinator creates a coordinator. timeout bounds each individual hook;
// zero means 30 seconds.
func NewCoordinator(logger *zap.Logger, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		logger:  logger.Named("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a teardown hook. Higher priorities run earlier. Ties run in
// registration order. Registration after shutdown has begun is dropped.
func (c *Coordinator) Register(name string, priority int, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		c.logger.Warn("Hook registered after shutdown, dropping", zap.String("hook", name))
		return
	default:
	}
	c.hooks = append(c.hooks, Hook{Name: name, Priority: priority, Fn: fn})
}

// Shutdown runs every hook sequentially in descending priority order. Hook
// failures are logged and never stop the sequence. Idempotent: later calls
// wait for the first to finish.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.once.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		hooks := make([]Hook, len(c.hooks))
		copy(hooks, c.hooks)
		c.mu.Unlock()

		sort.SliceStable(hooks, func(i, j int) bool {
			return hooks[i].Priority > hooks[j].Priority
		})

		c.logger.Info("Shutting down", zap.Int("hooks", len(hooks)))
		start := time.Now()
		for _, h := range hooks {
			hookCtx, cancel := context.WithTimeout(ctx, c.timeout)
			err := h.Fn(hookCtx)
			cancel()
			if err != nil {
				c.logger.Error("Shutdown hook failed",
					zap.String("hook", h.Name), zap.Error(err))
				continue
			}
			c.logger.Debug("Shutdown hook finished", zap.String("hook", h.Name))
		}
		c.logger.Info("Shutdown complete", zap.Duration("elapsed", time.Since(start)))
	})
	<-c.done
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
