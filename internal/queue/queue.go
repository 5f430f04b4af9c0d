// Package queue provides the admission queue in front of the session pool:
// a priority-ordered waiting line drained through a token bucket, so bursts
// are absorbed instead of stampeding the rendering backend.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/faults"
	"github.com/wysh3/searchrelay/internal/observability"
)

// Task is one queued unit of work. Its result is delivered to the submitter.
type Task func(ctx context.Context) error

type item struct {
	priority   int
	seq        uint64
	enqueuedAt time.Time
	ctx        context.Context
	task       Task
	done       chan error
}

// taskHeap orders by priority descending, then arrival ascending.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Stats is a point-in-time queue report.
type Stats struct {
	Depth    int
	Tokens   int
	Executed int64
	Rejected int64
}

// Queue is the admission queue. Create with New, start the drain loop with
// Start, and shut down with Stop.
type Queue struct {
	cfg    config.QueueConfig
	logger *zap.Logger

	mu        sync.Mutex
	heap      taskHeap
	tokens    int
	seq       uint64
	stopped   bool
	executed  int64
	rejected  int64
	throttled bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	taskWG   sync.WaitGroup
}

// New creates a queue with a full token bucket. The drain loop is not
// running until Start.
func New(cfg config.QueueConfig, logger *zap.Logger) *Queue {
	q := &Queue{
		cfg:    cfg,
		logger: logger.Named("queue"),
		tokens: cfg.BurstSize,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	observability.QueueTokens.Set(float64(q.tokens))
	return q
}

// Start launches the drain loop.
func (q *Queue) Start() {
	q.loopWG.Add(1)
	go q.loop()
}

// Submit enqueues task and blocks until it has executed, been rejected, or
// ctx ended. The task's own error is returned verbatim on execution.
func (q *Queue) Submit(ctx context.Context, priority int, task Task) error {
	q.mu.Lock()
	if q.stopped {
		q.rejected++
		q.mu.Unlock()
		observability.QueueRejections.WithLabelValues("stopped").Inc()
		return faults.New(faults.KindQueueCapacity, "queue is stopped")
	}
	if len(q.heap) >= q.cfg.MaxQueueSize {
		q.rejected++
		depth := len(q.heap)
		q.mu.Unlock()
		observability.QueueRejections.WithLabelValues("full").Inc()
		return faults.Newf(faults.KindQueueCapacity,
			"queue is full (%d requests pending)", depth)
	}
	q.seq++
	it := &item{
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
		ctx:        ctx,
		task:       task,
		done:       make(chan error, 1),
	}
	heap.Push(&q.heap, it)
	observability.QueueDepth.Set(float64(len(q.heap)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		// The drain loop notices the dead context and discards the item.
		return faults.Wrap(faults.KindQueueCapacity, "abandoned while queued", ctx.Err())
	}
}

func (q *Queue) loop() {
	defer q.loopWG.Done()
	interval := q.cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		q.dispatch()
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
			q.refill()
		}
	}
}

// dispatch drains as many tasks as the bucket allows, without waiting.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if len(q.heap) == 0 {
			q.mu.Unlock()
			return
		}
		if q.tokens == 0 {
			if !q.throttled {
				q.throttled = true
				q.logger.Info("Admission rate limited",
					zap.Int("waiting", len(q.heap)))
			}
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.heap).(*item)
		observability.QueueDepth.Set(float64(len(q.heap)))

		if it.ctx.Err() != nil {
			// Submitter already gave up; don't spend a token on it.
			q.mu.Unlock()
			it.done <- it.ctx.Err()
			continue
		}
		q.tokens--
		q.executed++
		observability.QueueTokens.Set(float64(q.tokens))
		q.mu.Unlock()

		q.taskWG.Add(1)
		go func(it *item) {
			defer q.taskWG.Done()
			it.done <- it.task(it.ctx)
		}(it)
	}
}

func (q *Queue) refill() {
	q.mu.Lock()
	q.tokens += q.cfg.RateLimit
	if q.tokens > q.cfg.BurstSize {
		q.tokens = q.cfg.BurstSize
	}
	q.throttled = false
	observability.QueueTokens.Set(float64(q.tokens))
	q.mu.Unlock()
}

// Clear rejects every pending task without executing it. In-flight tasks are
// unaffected.
func (q *Queue) Clear() {
	q.mu.Lock()
	pending := q.heap
	q.heap = nil
	q.rejected += int64(len(pending))
	observability.QueueDepth.Set(0)
	q.mu.Unlock()

	for _, it := range pending {
		it.done <- faults.New(faults.KindQueueCapacity, "queue cleared")
	}
	if len(pending) > 0 {
		q.logger.Warn("Cleared pending queue", zap.Int("rejected", len(pending)))
	}
}

// Stop halts the drain loop, waits for in-flight tasks, and rejects anything
// still waiting. Idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()

		close(q.stopCh)
		q.loopWG.Wait()
		q.taskWG.Wait()
		q.Clear()
		q.logger.Info("Queue stopped")
	})
}

// GetStats returns depth, token, and lifetime counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:    len(q.heap),
		Tokens:   q.tokens,
		Executed: q.executed,
		Rejected: q.rejected,
	}
}
