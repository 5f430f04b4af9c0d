package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/breaker"
	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/driver"
	"github.com/wysh3/searchrelay/internal/health"
	"github.com/wysh3/searchrelay/internal/monitor"
	"github.com/wysh3/searchrelay/internal/observability"
	"github.com/wysh3/searchrelay/internal/queue"
	"github.com/wysh3/searchrelay/internal/search"
	"github.com/wysh3/searchrelay/internal/session"
	"github.com/wysh3/searchrelay/internal/shutdown"
)

// Components holds every initialized service behind one search run. It
// centralizes lifecycle: construction here, teardown through the shutdown
// coordinator in priority order.
type Components struct {
	Pool     *session.Pool
	Queue    *queue.Queue
	Breaker  *breaker.Breaker
	Health   *health.Manager
	Monitor  *monitor.Monitor
	Shutdown *shutdown.Coordinator
	Search   *search.Service
}

// Teardown priorities: intake first, sessions last.
const (
	prioQueue   = 100
	prioHealth  = 80
	prioMonitor = 60
	prioPool    = 40
	prioLogger  = 10
)

// NewComponents builds and starts the full resilience stack.
func NewComponents(ctx context.Context) (*Components, error) {
	cfg := config.Get()
	logger := observability.GetLogger()

	drv := driver.NewChromeDriver(logger)
	pool := session.NewPool(drv, cfg, logger)
	if err := pool.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize session pool: %w", err)
	}

	q := queue.New(cfg.Queue, logger)
	q.Start()

	br := breaker.New("search", cfg.Breaker, logger)

	var mon *monitor.Monitor
	mon = monitor.NewMonitor(cfg.Monitor, logger, func(e monitor.Event) {
		// The health check restarts what it can; critical memory gets an
		// immediate GC pass here without waiting for the next probe.
		if e.Resource == "memory" && e.Level == monitor.LevelCritical {
			logger.Warn("Critical memory pressure, forcing garbage collection",
				zap.Float64("heap_mb", e.Value))
			mon.ForceGC()
		}
	})
	mon.Start(ctx)

	hm := health.NewManager(cfg.Health, logger)
	registerHealthChecks(hm, pool, q, br, mon)
	hm.Start(ctx)

	sc := shutdown.NewCoordinator(logger, 30*time.Second)
	sc.Register("queue", prioQueue, func(context.Context) error {
		q.Stop()
		return nil
	})
	sc.Register("health", prioHealth, func(context.Context) error {
		hm.Stop()
		return nil
	})
	sc.Register("monitor", prioMonitor, func(context.Context) error {
		mon.Stop()
		return nil
	})
	sc.Register("pool", prioPool, func(hookCtx context.Context) error {
		pool.Cleanup(hookCtx)
		return nil
	})
	sc.Register("logger", prioLogger, func(context.Context) error {
		observability.Sync()
		return nil
	})

	return &Components{
		Pool:     pool,
		Queue:    q,
		Breaker:  br,
		Health:   hm,
		Monitor:  mon,
		Shutdown: sc,
		Search:   search.NewService(cfg, q, br, pool, logger),
	}, nil
}

// registerHealthChecks wires the standing probes. The pool check is the only
// one with automatic recovery: it restarts dead slots in place.
func registerHealthChecks(hm *health.Manager, pool *session.Pool, q *queue.Queue, br *breaker.Breaker, mon *monitor.Monitor) {
	hm.Register(health.Check{
		Name: "session_pool",
		Probe: func(context.Context) error {
			healthy, unhealthy := pool.HealthCheck()
			if len(healthy) == 0 {
				return fmt.Errorf("no healthy sessions (%d dead)", len(unhealthy))
			}
			return nil
		},
		Recover: func(ctx context.Context) error {
			_, unhealthy := pool.HealthCheck()
			for _, id := range unhealthy {
				if err := pool.Restart(ctx, id); err != nil {
					return err
				}
			}
			return nil
		},
	})

	hm.Register(health.Check{
		Name: "queue",
		Probe: func(context.Context) error {
			stats := q.GetStats()
			if stats.Depth >= config.Get().Queue.MaxQueueSize {
				return fmt.Errorf("queue saturated at %d requests", stats.Depth)
			}
			return nil
		},
	})

	hm.Register(health.Check{
		Name: "breaker",
		Probe: func(context.Context) error {
			if br.GetState() == breaker.StateOpen {
				return fmt.Errorf("search circuit is open")
			}
			return nil
		},
	})

	hm.Register(health.Check{
		Name: "memory",
		Probe: func(context.Context) error {
			snap := mon.Last()
			critical := float64(config.Get().Monitor.MemCriticalMB)
			if critical > 0 && snap.HeapAllocMB >= critical {
				return fmt.Errorf("heap at %.0f MB exceeds %.0f MB", snap.HeapAllocMB, critical)
			}
			return nil
		},
		Recover: func(context.Context) error {
			mon.ForceGC()
			return nil
		},
	})
}
