// Package metrics provides Prometheus-compatible instrumentation for the
// orchestrator, adapted from the teacher engine's PrometheusMetrics. Unlike
// the teacher's generic per-run latency metrics, these are scoped to the
// subsystems spec.md explicitly calls out as exposing health-probe
// counters: the Job Queue (§4.7) and the Flow Executor/Supervisor's
// in-flight node tracking (§5 backpressure model).
//
// Metrics exposition itself (an HTTP /metrics scrape endpoint) is listed in
// spec.md §1 as external glue and is not built here; this package only
// provides the instrumentation a caller wires into whatever exposes it.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the orchestrator's Prometheus instrumentation. All metrics are
// namespaced "agentforge_". A nil *Metrics is not valid; use Disabled() for
// a safe no-op collector.
type Metrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
	hookLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	backpressure  *prometheus.CounterVec
	reviewOutcome *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New registers every metric with the given registerer (use
// prometheus.NewRegistry() for isolation in tests, or
// prometheus.DefaultRegisterer in production).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentforge",
			Name:      "inflight_nodes",
			Help:      "Current number of agent subprocesses running concurrently.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentforge",
			Name:      "queue_depth",
			Help:      "Pending jobs per queue.",
		}, []string{"queue"}),
		hookLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentforge",
			Name:      "hook_latency_ms",
			Help:      "Hook ingress request handling latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"path", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentforge",
			Name:      "node_retries_total",
			Help:      "Cumulative node retry attempts.",
		}, []string{"node_id", "reason"}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentforge",
			Name:      "backpressure_events_total",
			Help:      "Admission throttling events by reason.",
		}, []string{"reason"}),
		reviewOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentforge",
			Name:      "review_outcomes_total",
			Help:      "Review requests completed, by final status.",
		}, []string{"status"}),
	}
}

// Disabled returns a Metrics that records nothing; useful as a default when
// no registry is configured.
func Disabled() *Metrics {
	return &Metrics{enabled: false}
}

func (m *Metrics) UpdateInflightNodes(n int) {
	if !m.enabled {
		return
	}
	m.inflightNodes.Set(float64(n))
}

func (m *Metrics) UpdateQueueDepth(queue string, depth int) {
	if !m.enabled {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) RecordHookLatency(path, status string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.hookLatency.WithLabelValues(path, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncrementRetries(nodeID, reason string) {
	if !m.enabled {
		return
	}
	m.retries.WithLabelValues(nodeID, reason).Inc()
}

func (m *Metrics) IncrementBackpressure(reason string) {
	if !m.enabled {
		return
	}
	m.backpressure.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementReviewOutcome(status string) {
	if !m.enabled {
		return
	}
	m.reviewOutcome.WithLabelValues(status).Inc()
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}
