package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/faults"
)

// newTestOrchestrator builds a full session/recovery/retry assembly on the
// fake driver, with the retry sleeps recorded instead of slept.
func newTestOrchestrator(t *testing.T, drv *fakeDriver, maxRetries int) (*Orchestrator, *Manager, *[]time.Duration) {
	t.Helper()
	mgr := newTestManager(t, drv)
	require.NoError(t, mgr.Initialize(context.Background()))

	cfg := mgr.cfg.Retry
	cfg.MaxRetries = maxRetries
	coord := NewCoordinator(mgr, cfg, zap.NewNop())
	orch := NewOrchestrator(mgr, coord, cfg, zap.NewNop())

	var delays []time.Duration
	orch.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return orch, mgr, &delays
}

func TestDoSucceedsAfterConsecutiveTimeouts(t *testing.T) {
	drv := &fakeDriver{}
	orch, mgr, delays := newTestOrchestrator(t, drv, 6)

	calls := 0
	err := orch.Do(context.Background(), func(context.Context) error {
		calls++
		if calls <= 5 {
			return faults.Newf(faults.KindTimeout, "operation timed out (attempt %d)", calls)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, calls)

	// Linear growth per consecutive timeout.
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 15 * time.Second,
		20 * time.Second, 25 * time.Second,
	}, *delays)

	// Counters reset only on success.
	assert.Zero(t, orch.Counters().ConsecutiveTimeouts)

	// Timeouts recover at level one: the process never restarts.
	assert.Equal(t, 1, drv.launchCount())
	assert.Equal(t, 5, drv.procs[0].pages[0].reloadCount())
	_ = mgr
}

func TestDoExhaustionSurfacesLastError(t *testing.T) {
	drv := &fakeDriver{}
	orch, _, delays := newTestOrchestrator(t, drv, 3)

	boom := faults.New(faults.KindTimeout, "still no answer")
	err := orch.Do(context.Background(), func(context.Context) error { return boom })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation failed after 3 attempts")
	assert.ErrorIs(t, err, boom)

	// The final attempt fails without another recover/sleep cycle.
	assert.Len(t, *delays, 2)
}

func TestDoDetachedFailureRestartsAndUsesCriticalDelay(t *testing.T) {
	drv := &fakeDriver{}
	orch, mgr, delays := newTestOrchestrator(t, drv, 3)

	calls := 0
	err := orch.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return faults.New(faults.KindDetachedSession, "frame detached")
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, *delays, 1)
	assert.Equal(t, 12*time.Second, (*delays)[0])
	assert.Equal(t, 2, drv.launchCount(), "detached sessions get a full restart")
	assert.True(t, mgr.IsReady())
}

func TestDoNavigationFailuresGrowLinearly(t *testing.T) {
	drv := &fakeDriver{}
	orch, _, delays := newTestOrchestrator(t, drv, 4)

	calls := 0
	err := orch.Do(context.Background(), func(context.Context) error {
		calls++
		if calls <= 2 {
			return faults.New(faults.KindNavigation, "net::ERR_CONNECTION_RESET")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{8 * time.Second, 16 * time.Second}, *delays)
}

func TestDoConnectionFailureDelayIsBounded(t *testing.T) {
	drv := &fakeDriver{}
	orch, _, delays := newTestOrchestrator(t, drv, 2)

	calls := 0
	err := orch.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return faults.New(faults.KindConnection, "websocket closed")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, *delays, 1)
	assert.GreaterOrEqual(t, (*delays)[0], 15*time.Second)
	assert.Less(t, (*delays)[0], 25*time.Second)
}

func TestDoUnknownFailureReNavigatesWithBackoff(t *testing.T) {
	drv := &fakeDriver{}
	orch, _, delays := newTestOrchestrator(t, drv, 2)

	calls := 0
	err := orch.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("element not interactable")
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, *delays, 1)
	assert.GreaterOrEqual(t, (*delays)[0], time.Second)
	assert.LessOrEqual(t, (*delays)[0], 2*time.Second)

	// A bare re-navigation, not a recovery, handles unknown failures.
	assert.Equal(t, 1, drv.launchCount())
	page := drv.procs[0].pages[0]
	assert.Zero(t, page.reloadCount())
	url, _ := page.URL(context.Background())
	assert.NotEmpty(t, url, "re-navigation should have loaded the search surface")
}

func TestDoAbortsWhenRecoveryFails(t *testing.T) {
	drv := &fakeDriver{launchErr: func(launch int) error {
		if launch > 1 {
			return fmt.Errorf("browser binary vanished")
		}
		return nil
	}}
	orch, _, _ := newTestOrchestrator(t, drv, 5)

	cause := faults.New(faults.KindDetachedSession, "frame detached")
	calls := 0
	err := orch.Do(context.Background(), func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery failed during retry")
	assert.Equal(t, 1, calls, "a dead session must not be retried against")
}

func TestDelayHelpersAreCapped(t *testing.T) {
	assert.Equal(t, 30*time.Second, timeoutDelay(7))
	assert.Equal(t, 40*time.Second, navigationDelay(6))
	assert.Equal(t, 30*time.Second, exponentialBackoff(12))
	assert.Equal(t, 30*time.Second, exponentialBackoff(64))
	assert.Equal(t, time.Second, exponentialBackoff(0))
	assert.Equal(t, 8*time.Second, exponentialBackoff(3))
}
