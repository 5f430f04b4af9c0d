// Package monitor samples process resource usage on an interval, raises
// warning and critical events when thresholds are crossed, and can force a
// garbage collection pass when memory pressure climbs.
package monitor

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/observability"
)

// Level grades a resource sample against its thresholds.
type Level int

const (
	// LevelNormal is below every threshold.
	LevelNormal Level = iota
	// LevelWarning crossed the warning threshold.
	LevelWarning
	// LevelCritical crossed the critical threshold.
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is a threshold crossing for one resource. Events fire on level
// changes, not on every sample over the line.
type Event struct {
	Resource  string
	Level     Level
	Value     float64
	Threshold float64
	At        time.Time
}

// EventHandler receives threshold events. Called from the sampling goroutine.
type EventHandler func(Event)

// Snapshot is one resource sample.
type Snapshot struct {
	HeapAllocMB float64
	SysMB       float64
	CPUPercent  float64
	Goroutines  int
	At          time.Time
}

// clockTicksPerSecond is the kernel's USER_HZ; fixed at 100 on every Linux
// platform Go supports.
const clockTicksPerSecond = 100

// Monitor runs the sampling loop.
type Monitor struct {
	cfg     config.MonitorConfig
	logger  *zap.Logger
	handler EventHandler

	mu     sync.Mutex
	last   Snapshot
	levels map[string]Level

	// previous CPU sample for the utilization delta
	prevCPUSeconds float64
	prevSampleAt   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. handler may be nil.
func NewMonitor(cfg config.MonitorConfig, logger *zap.Logger, handler EventHandler) *Monitor {
	return &Monitor{
		cfg:     cfg,
		logger:  logger.Named("monitor"),
		handler: handler,
		levels:  make(map[string]Level),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	interval := m.cfg.SampleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.wg.Add(1)
	go func() {
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
				m.Sample()
			}
		}
	}()
	m.logger.Info("Resource monitor started", zap.Duration("interval", interval))
}

// Sample takes one resource reading, updates gauges, and evaluates
// thresholds. Safe to call outside the loop.
func (m *Monitor) Sample() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := time.Now()
	snap := Snapshot{
		HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
		SysMB:       float64(ms.Sys) / (1 << 20),
		Goroutines:  runtime.NumGoroutine(),
		At:          now,
	}
	snap.CPUPercent = m.cpuPercent(now)

	observability.MemoryHeapBytes.Set(float64(ms.HeapAlloc))
	observability.CPUPercent.Set(snap.CPUPercent)

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	m.evaluate("memory", snap.HeapAllocMB,
		float64(m.cfg.MemWarningMB), float64(m.cfg.MemCriticalMB), snap.At)
	m.evaluate("cpu", snap.CPUPercent,
		m.cfg.CPUWarningPct, m.cfg.CPUCriticalPct, snap.At)

	return snap
}

// evaluate grades value and emits an event when the level changed since the
// previous sample.
func (m *Monitor) evaluate(resource string, value, warning, critical float64, at time.Time) {
	level := LevelNormal
	threshold := 0.0
	switch {
	case critical > 0 && value >= critical:
		level = LevelCritical
		threshold = critical
	case warning > 0 && value >= warning:
		level = LevelWarning
		threshold = warning
	}

	m.mu.Lock()
	prev := m.levels[resource]
	m.levels[resource] = level
	m.mu.Unlock()
	if level == prev {
		return
	}

	switch level {
	case LevelCritical:
		m.logger.Error("Resource critical", zap.String("resource", resource),
			zap.Float64("value", value), zap.Float64("threshold", threshold))
	case LevelWarning:
		m.logger.Warn("Resource above warning threshold", zap.String("resource", resource),
			zap.Float64("value", value), zap.Float64("threshold", threshold))
	default:
		m.logger.Info("Resource back to normal", zap.String("resource", resource),
			zap.Float64("value", value))
	}

	if m.handler != nil {
		m.handler(Event{
			Resource:  resource,
			Level:     level,
			Value:     value,
			Threshold: threshold,
			At:        at,
		})
	}
}

// cpuPercent derives process CPU utilization from consecutive /proc/self/stat
// readings. The first sample, and any platform where procfs is unreadable,
// reports zero.
func (m *Monitor) cpuPercent(now time.Time) float64 {
	seconds, ok := processCPUSeconds()
	if !ok {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prevSeconds, prevAt := m.prevCPUSeconds, m.prevSampleAt
	m.prevCPUSeconds = seconds
	m.prevSampleAt = now

	if prevAt.IsZero() {
		return 0
	}
	wall := now.Sub(prevAt).Seconds()
	if wall <= 0 {
		return 0
	}
	pct := (seconds - prevSeconds) / wall * 100
	if pct < 0 {
		return 0
	}
	return pct
}

// processCPUSeconds reads cumulative user+system CPU time from
// /proc/self/stat (fields 14 and 15, counted after the parenthesized comm).
func processCPUSeconds() (float64, bool) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, false
	}
	// comm may contain spaces; everything after the closing paren is
	// space-delimited.
	raw := string(data)
	idx := strings.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 > len(raw) {
		return 0, false
	}
	fields := strings.Fields(raw[idx+2:])
	// fields[0] is stat field 3 (state); utime and stime are fields 14, 15.
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return float64(utime+stime) / clockTicksPerSecond, true
}

// ForceGC runs a full collection and returns the freed memory to the OS.
// Called by the health layer when memory goes critical.
func (m *Monitor) ForceGC() {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	m.logger.Info("Forced garbage collection",
		zap.Float64("before_mb", float64(before.HeapAlloc)/(1<<20)),
		zap.Float64("after_mb", float64(after.HeapAlloc)/(1<<20)))
}

// Last returns the most recent sample.
func (m *Monitor) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Stop halts the sampling loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}
