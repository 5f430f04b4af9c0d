// Package search is the public face of the relay: one call takes a query
// through admission, the circuit breaker, a pooled session, and the retry
// orchestrator, and returns extracted answer text or a user-safe error.
package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/breaker"
	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/faults"
	"github.com/wysh3/searchrelay/internal/observability"
	"github.com/wysh3/searchrelay/internal/queue"
	"github.com/wysh3/searchrelay/internal/session"
)

// DefaultPriority is used when a request does not specify one.
const DefaultPriority = 1

// Request is one search invocation.
type Request struct {
	Query    string
	Priority int
	// Timeout bounds the whole request including queueing and retries.
	// Zero means no bound beyond the caller's context.
	Timeout time.Duration
}

// Service wires the resilience layers together.
type Service struct {
	cfg     *config.Config
	logger  *zap.Logger
	queue   *queue.Queue
	breaker *breaker.Breaker
	pool    *session.Pool

	// exec runs one admitted, breaker-approved query. Swappable in tests.
	exec func(ctx context.Context, query string) (string, error)
}

// NewService assembles the search pipeline from already-constructed parts.
func NewService(cfg *config.Config, q *queue.Queue, br *breaker.Breaker, pool *session.Pool, logger *zap.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		logger:  logger.Named("search"),
		queue:   q,
		breaker: br,
		pool:    pool,
	}
	s.exec = s.searchOnce
	return s
}

// PerformSearch runs one query through the full stack. Load-shedding
// failures (full queue, open circuit, exhausted pool) surface immediately
// without consuming a session.
func (s *Service) PerformSearch(ctx context.Context, req Request) (string, error) {
	if req.Query == "" {
		return "", faults.New(faults.KindUnknown, "empty query")
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	var answer string
	err := s.queue.Submit(ctx, req.Priority, func(taskCtx context.Context) error {
		return s.breaker.Execute(taskCtx, func(execCtx context.Context) error {
			var execErr error
			answer, execErr = s.exec(execCtx, req.Query)
			return execErr
		})
	})

	observability.SearchDuration.Observe(time.Since(start).Seconds())
	observability.BreakerState.WithLabelValues("search").Set(float64(s.breaker.GetState()))
	if err != nil {
		observability.SearchesTotal.WithLabelValues(faults.KindOf(err).String()).Inc()
		s.logger.Warn("Search failed",
			zap.String("class", faults.KindOf(err).String()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}
	observability.SearchesTotal.WithLabelValues("ok").Inc()
	s.logger.Info("Search completed", zap.Duration("elapsed", time.Since(start)))
	return answer, nil
}

// searchOnce checks out a session and drives one query through the retry
// orchestrator.
func (s *Service) searchOnce(ctx context.Context, query string) (string, error) {
	mgr, err := s.pool.Acquire(ctx, s.cfg.Pool.AcquireTimeout)
	if err != nil {
		return "", err
	}
	defer s.pool.Release(mgr)
	observability.PoolInUse.Set(float64(s.pool.Status().InUse))
	defer func() { observability.PoolInUse.Set(float64(s.pool.Status().InUse)) }()

	coord := session.NewCoordinator(mgr, s.cfg.Retry, s.logger)
	orch := session.NewOrchestrator(mgr, coord, s.cfg.Retry, s.logger)

	var html string
	err = orch.Do(ctx, func(opCtx context.Context) error {
		if err := mgr.Navigate(opCtx); err != nil {
			return err
		}
		if mgr.DetectCaptcha(opCtx) {
			return faults.New(faults.KindCaptcha, "challenge page blocking the query")
		}
		if err := mgr.SubmitQuery(opCtx, query); err != nil {
			return err
		}
		var awaitErr error
		html, awaitErr = mgr.AwaitAnswer(opCtx)
		return awaitErr
	})
	if err != nil {
		return "", err
	}
	return ExtractAnswer(html, s.cfg.Search.AnswerSelectors)
}

// UserMessage translates an internal failure into text safe to show an end
// user: no selectors, hosts, or protocol details.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch faults.KindOf(err) {
	case faults.KindQueueCapacity:
		return "The service is handling too many requests right now. Please try again in a moment."
	case faults.KindCircuitOpen:
		return "The search backend is temporarily unavailable. Please try again shortly."
	case faults.KindPoolExhausted:
		return "All search sessions are busy. Please try again in a few seconds."
	case faults.KindCaptcha:
		return "The search backend is asking for human verification. Please try again later."
	case faults.KindTimeout, faults.KindHealthCheckTimeout:
		return "The search took too long to complete. Please try again."
	case faults.KindNavigation, faults.KindConnection, faults.KindDetachedSession,
		faults.KindInitialization:
		return "The search backend could not be reached. Please try again."
	default:
		return "The search failed unexpectedly. Please try again."
	}
}
