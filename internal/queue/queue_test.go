package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/faults"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxQueueSize:   10,
		RateLimit:      5,
		RefillInterval: 10 * time.Millisecond,
		BurstSize:      5,
	}
}

func waitForDepth(t *testing.T, q *Queue, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.GetStats().Depth == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (now %d)", want, q.GetStats().Depth)
}

func TestSubmitExecutesTask(t *testing.T) {
	q := New(testQueueConfig(), zap.NewNop())
	q.Start()
	defer q.Stop()

	ran := false
	err := q.Submit(context.Background(), 1, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(1), q.GetStats().Executed)
}

func TestSubmitReturnsTaskError(t *testing.T) {
	q := New(testQueueConfig(), zap.NewNop())
	q.Start()
	defer q.Stop()

	boom := errors.New("render failed")
	err := q.Submit(context.Background(), 1, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestHigherPriorityExecutesFirst(t *testing.T) {
	cfg := config.QueueConfig{
		MaxQueueSize: 10,
		// One token per refill serializes execution so the drain order
		// is observable.
		RateLimit:      1,
		RefillInterval: 10 * time.Millisecond,
		BurstSize:      1,
	}
	q := New(cfg, zap.NewNop())
	q.tokens = 0 // hold everything until all three are queued

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	submit := func(name string, priority, wantDepth int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), priority, record(name))
		}()
		waitForDepth(t, q, wantDepth)
	}
	submit("task1", 1, 1)
	submit("task2", 5, 2)
	submit("task3", 1, 3)

	q.Start()
	defer q.Stop()
	wg.Wait()

	assert.Equal(t, []string{"task2", "task1", "task3"}, order,
		"highest priority first, then arrival order")
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxQueueSize = 2
	q := New(cfg, zap.NewNop())
	q.tokens = 0 // never start the drain loop; everything stays queued

	for i := 0; i < 2; i++ {
		go func() {
			_ = q.Submit(context.Background(), 1, func(context.Context) error { return nil })
		}()
	}
	waitForDepth(t, q, 2)

	err := q.Submit(context.Background(), 1, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Equal(t, faults.KindQueueCapacity, faults.KindOf(err))
	assert.Contains(t, err.Error(), "queue is full")

	q.Clear()
}

func TestTokenBucketRefillsUpToBurst(t *testing.T) {
	cfg := config.QueueConfig{
		MaxQueueSize:   10,
		RateLimit:      2,
		RefillInterval: 10 * time.Millisecond,
		BurstSize:      3,
	}
	q := New(cfg, zap.NewNop())
	assert.Equal(t, 3, q.GetStats().Tokens, "bucket starts full")

	q.tokens = 0
	q.refill()
	assert.Equal(t, 2, q.GetStats().Tokens)
	q.refill()
	assert.Equal(t, 3, q.GetStats().Tokens, "refill must not exceed the burst size")
}

func TestClearRejectsPendingTasks(t *testing.T) {
	q := New(testQueueConfig(), zap.NewNop())
	q.tokens = 0

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			errs <- q.Submit(context.Background(), 1, func(context.Context) error { return nil })
		}()
	}
	waitForDepth(t, q, 3)

	q.Clear()
	for i := 0; i < 3; i++ {
		err := <-errs
		require.Error(t, err)
		assert.Equal(t, faults.KindQueueCapacity, faults.KindOf(err))
		assert.Contains(t, err.Error(), "queue cleared")
	}
	assert.Equal(t, int64(3), q.GetStats().Rejected)
}

func TestStopRejectsFurtherSubmissions(t *testing.T) {
	q := New(testQueueConfig(), zap.NewNop())
	q.Start()
	q.Stop()
	q.Stop() // idempotent

	err := q.Submit(context.Background(), 1, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Equal(t, faults.KindQueueCapacity, faults.KindOf(err))
	assert.Contains(t, err.Error(), "queue is stopped")
}

func TestAbandonedContextIsNotExecuted(t *testing.T) {
	q := New(testQueueConfig(), zap.NewNop())
	q.tokens = 0

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- q.Submit(ctx, 1, func(context.Context) error { return nil })
	}()
	waitForDepth(t, q, 1)
	cancel()

	err := <-errs
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Once the drain loop runs, the dead item is discarded without
	// consuming a token or counting as executed.
	q.Start()
	defer q.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, q.GetStats().Executed)
}
