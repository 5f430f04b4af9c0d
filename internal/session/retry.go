package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/faults"
)

// Operation is one retryable unit of work executed against the session.
type Operation func(ctx context.Context) error

// delay caps per failure class.
const (
	timeoutDelayStep   = 5 * time.Second
	timeoutDelayCap    = 30 * time.Second
	navDelayStep       = 8 * time.Second
	navDelayCap        = 40 * time.Second
	backoffCap         = 30 * time.Second
	backoffJitterCap   = 10 * time.Second
	connectionDelayMin = 15 * time.Second
	connectionDelaySpan = 10 * time.Second
)

// Orchestrator wraps operations with bounded retries, recovering the session
// between attempts and pacing retries by failure class.
type Orchestrator struct {
	mgr    *Manager
	recov  *Coordinator
	cfg    config.RetryConfig
	logger *zap.Logger

	// sleep is swappable so tests run without real delays.
	sleep func(context.Context, time.Duration) error
	rng   *rand.Rand
	rngMu sync.Mutex

	mu       sync.Mutex
	counters faults.Analysis
}

// NewOrchestrator creates a retry orchestrator bound to one session.
func NewOrchestrator(mgr *Manager, recov *Coordinator, cfg config.RetryConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		mgr:    mgr,
		recov:  recov,
		cfg:    cfg,
		logger: logger.Named("retry").With(zap.String("session_id", mgr.ID())),
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Counters returns the running consecutive-failure counters. They reset to
// zero only on a successful attempt.
func (o *Orchestrator) Counters() faults.Analysis {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters
}

// Do runs op up to cfg.MaxRetries times. Each failure is classified, the
// session recovered at the coordinator's chosen level, and the next attempt
// delayed according to the failure class. Exhaustion surfaces one synthesized
// error carrying the last failure's message.
func (o *Orchestrator) Do(ctx context.Context, op Operation) error {
	maxRetries := o.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	renavFailures := 0

	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			return faults.Wrap(faults.KindTimeout, "retry loop cancelled", ctx.Err())
		}

		err := op(ctx)
		if err == nil {
			o.mu.Lock()
			o.counters = faults.Analysis{}
			o.mu.Unlock()
			return nil
		}
		lastErr = err

		if attempt == maxRetries-1 {
			break
		}

		analysis := faults.Analyze(err)
		o.logger.Warn("Attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("class", faults.KindOf(err).String()),
			zap.Error(err),
		)

		delay, recovered := o.handleFailure(ctx, err, analysis, attempt, &renavFailures)
		if !recovered {
			// Recovery itself failed terminally; further attempts would run
			// against a dead session.
			return fmt.Errorf("recovery failed during retry: %w", lastErr)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return faults.Wrap(faults.KindTimeout, "retry delay interrupted", err)
		}
	}

	o.logger.Error("All retry attempts exhausted",
		zap.Int("attempts", maxRetries), zap.Error(lastErr))
	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries, lastErr)
}

// handleFailure classifies one failure, performs recovery, and returns the
// pre-next-attempt delay. The detached-frame check takes priority over every
// other classification.
func (o *Orchestrator) handleFailure(
	ctx context.Context,
	err error,
	analysis faults.Analysis,
	attempt int,
	renavFailures *int,
) (time.Duration, bool) {
	o.mu.Lock()
	counters := o.counters
	o.mu.Unlock()

	switch {
	case analysis.IsDetachedFrame:
		if rerr := o.recov.Recover(ctx, err); rerr != nil {
			return 0, false
		}
		return o.criticalDelay(), true

	case analysis.IsCaptcha || o.mgr.DetectCaptcha(ctx):
		if rerr := o.recov.Recover(ctx, err); rerr != nil {
			return 0, false
		}
		return o.captchaDelay(), true

	case analysis.IsTimeout:
		counters.ConsecutiveTimeouts++
		o.storeCounters(counters)
		if rerr := o.recov.Recover(ctx, err); rerr != nil {
			return 0, false
		}
		return timeoutDelay(counters.ConsecutiveTimeouts), true

	case analysis.IsNavigation:
		counters.ConsecutiveNavigationErrors++
		o.storeCounters(counters)
		if rerr := o.recov.Recover(ctx, err); rerr != nil {
			return 0, false
		}
		return navigationDelay(counters.ConsecutiveNavigationErrors), true

	case analysis.IsConnection:
		if rerr := o.recov.Recover(ctx, err); rerr != nil {
			return 0, false
		}
		return o.connectionDelay(), true

	default:
		delay := o.backoffDelay(attempt)
		// Unknown failures try a bare re-navigation first; only after it
		// fails twice does the session get fully recovered.
		if nerr := o.mgr.Navigate(ctx); nerr != nil {
			*renavFailures++
			o.logger.Warn("Re-navigation failed",
				zap.Int("renav_failures", *renavFailures), zap.Error(nerr))
			if *renavFailures >= 2 {
				*renavFailures = 0
				if rerr := o.recov.Recover(ctx, nerr); rerr != nil {
					return 0, false
				}
			}
		}
		return delay, true
	}
}

func (o *Orchestrator) storeCounters(c faults.Analysis) {
	o.mu.Lock()
	o.counters = c
	o.mu.Unlock()
}

func (o *Orchestrator) criticalDelay() time.Duration {
	if o.cfg.CriticalErrorDelay > 0 {
		return o.cfg.CriticalErrorDelay
	}
	return 12 * time.Second
}

func (o *Orchestrator) captchaDelay() time.Duration {
	if o.cfg.CaptchaDelay > 0 {
		return o.cfg.CaptchaDelay
	}
	return 5 * time.Second
}

func (o *Orchestrator) connectionDelay() time.Duration {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return connectionDelayMin + time.Duration(o.rng.Int63n(int64(connectionDelaySpan)))
}

func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	base := exponentialBackoff(attempt)
	jitterCap := time.Duration(attempt+1) * time.Second
	if jitterCap > backoffJitterCap {
		jitterCap = backoffJitterCap
	}
	o.rngMu.Lock()
	jitter := time.Duration(o.rng.Int63n(int64(jitterCap)))
	o.rngMu.Unlock()
	return base + jitter
}

// timeoutDelay grows linearly with consecutive timeouts, capped at 30s.
func timeoutDelay(consecutive int) time.Duration {
	d := time.Duration(consecutive) * timeoutDelayStep
	if d > timeoutDelayCap {
		return timeoutDelayCap
	}
	return d
}

// navigationDelay grows linearly with consecutive navigation errors, capped
// at 40s.
func navigationDelay(consecutive int) time.Duration {
	d := time.Duration(consecutive) * navDelayStep
	if d > navDelayCap {
		return navDelayCap
	}
	return d
}

// exponentialBackoff is min(1s * 2^attempt, 30s).
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 30 {
		return backoffCap
	}
	d := time.Second << uint(attempt)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
