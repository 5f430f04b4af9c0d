package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the resilience layer. Registered against the
// default registry; the exposition endpoint is wired up in main.
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "searchrelay",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of requests currently waiting for admission.",
	})

	QueueTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "searchrelay",
		Subsystem: "queue",
		Name:      "tokens",
		Help:      "Tokens currently available in the admission bucket.",
	})

	QueueRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "searchrelay",
		Subsystem: "queue",
		Name:      "rejections_total",
		Help:      "Requests rejected before execution, by reason.",
	}, []string{"reason"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "searchrelay",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit state per breaker (0 closed, 1 open, 2 half-open).",
	}, []string{"breaker"})

	SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "searchrelay",
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Completed search requests by outcome.",
	}, []string{"outcome"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "searchrelay",
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "End-to-end search latency including queueing and retries.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	PoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "searchrelay",
		Subsystem: "pool",
		Name:      "sessions_in_use",
		Help:      "Pooled sessions currently checked out.",
	})

	MemoryHeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "searchrelay",
		Subsystem: "resources",
		Name:      "heap_alloc_bytes",
		Help:      "Heap bytes currently allocated, from the last sample.",
	})

	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "searchrelay",
		Subsystem: "resources",
		Name:      "cpu_percent",
		Help:      "Process CPU utilization over the last sample window.",
	})

	HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "searchrelay",
		Subsystem: "health",
		Name:      "check_status",
		Help:      "Health check status per check (0 healthy, 1 degraded, 2 unhealthy).",
	}, []string{"check"})
)
