// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for seosnap.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters. The atomic
// mirrors give tests and the admin endpoints cheap access without scraping.
type Metrics struct {
	intercepted      int64
	passedThrough    int64
	snapshotsServed  int64
	snapshotFailures int64
	hookShortCircuit int64
	filterErrors     int64
	eventsSent       int64
	eventsDropped    int64

	promDecisions        *prometheus.CounterVec
	promSnapshots        *prometheus.CounterVec
	promFetchDuration    *prometheus.HistogramVec
	promHookShortCircuit prometheus.Counter
	promFilterErrors     prometheus.Counter
	promEventsSent       prometheus.Counter
	promEventsDropped    prometheus.Counter

	// PromRequestDuration is observed by the filter for every request.
	PromRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seosnap",
			Name:      "decisions_total",
			Help:      "Classification decisions by outcome and deciding rule.",
		}, []string{"decision", "reason"}),
		promSnapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seosnap",
			Name:      "snapshots_total",
			Help:      "Snapshot fetches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		promFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seosnap",
			Name:      "snapshot_fetch_duration_seconds",
			Help:      "Duration of outbound snapshot calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		promHookShortCircuit: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "seosnap",
			Name:      "hook_short_circuits_total",
			Help:      "Snapshots served by the before-snapshot hook without a fetch.",
		}),
		promFilterErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "seosnap",
			Name:      "filter_errors_total",
			Help:      "Unexpected errors on the snapshot path that degraded to passthrough.",
		}),
		promEventsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "seosnap",
			Name:      "events_sent_total",
			Help:      "Snapshot events delivered to the events receiver.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "seosnap",
			Name:      "events_dropped_total",
			Help:      "Snapshot events dropped because the buffer was full.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seosnap",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
	}
}

// RecordDecision counts a classification outcome.
func (m *Metrics) RecordDecision(intercept bool, reason string) {
	decision := "passthrough"
	if intercept {
		decision = "intercept"
		atomic.AddInt64(&m.intercepted, 1)
	} else {
		atomic.AddInt64(&m.passedThrough, 1)
	}
	m.promDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordSnapshot counts a fetch outcome and its duration.
func (m *Metrics) RecordSnapshot(provider, outcome string, elapsed time.Duration) {
	if outcome == "success" {
		atomic.AddInt64(&m.snapshotsServed, 1)
	} else {
		atomic.AddInt64(&m.snapshotFailures, 1)
	}
	m.promSnapshots.WithLabelValues(provider, outcome).Inc()
	m.promFetchDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// IncHookShortCircuit counts a snapshot supplied by the before hook.
func (m *Metrics) IncHookShortCircuit() {
	atomic.AddInt64(&m.hookShortCircuit, 1)
	m.promHookShortCircuit.Inc()
}

// IncFilterErrors counts an unexpected error that degraded to passthrough.
func (m *Metrics) IncFilterErrors() {
	atomic.AddInt64(&m.filterErrors, 1)
	m.promFilterErrors.Inc()
}

// AddEventsSent counts delivered events.
func (m *Metrics) AddEventsSent(n int) {
	atomic.AddInt64(&m.eventsSent, int64(n))
	m.promEventsSent.Add(float64(n))
}

// IncEventsDropped counts an event lost to buffer overflow.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Intercepted       int64
	PassedThrough     int64
	SnapshotsServed   int64
	SnapshotFailures  int64
	HookShortCircuits int64
	FilterErrors      int64
	EventsSent        int64
	EventsDropped     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Intercepted:       atomic.LoadInt64(&m.intercepted),
		PassedThrough:     atomic.LoadInt64(&m.passedThrough),
		SnapshotsServed:   atomic.LoadInt64(&m.snapshotsServed),
		SnapshotFailures:  atomic.LoadInt64(&m.snapshotFailures),
		HookShortCircuits: atomic.LoadInt64(&m.hookShortCircuit),
		FilterErrors:      atomic.LoadInt64(&m.filterErrors),
		EventsSent:        atomic.LoadInt64(&m.eventsSent),
		EventsDropped:     atomic.LoadInt64(&m.eventsDropped),
	}
}
