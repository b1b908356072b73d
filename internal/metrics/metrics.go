// Package metrics exposes Prometheus instrumentation for a sync session.
//
// Each Metrics value owns its own registry so sessions (and tests) never
// collide on collector registration. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cosync"

// Request outcomes.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusPanic = "panic"
)

// Patch position outcomes.
const (
	PositionApplied = "applied"
	PositionFailed  = "failed"
	PositionSkipped = "skipped"
)

// Metrics holds the collectors for one session.
type Metrics struct {
	registry *prometheus.Registry

	enqueued        prometheus.Counter
	dropped         prometheus.Counter
	executed        *prometheus.CounterVec
	slow            prometheus.Counter
	drains          prometheus.Counter
	depth           prometheus.Gauge
	duration        prometheus.Histogram
	positions       *prometheus.CounterVec
	handles         *prometheus.CounterVec
	activeLists     prometheus.Gauge
	suppressedEdits prometheus.Counter
}

// New creates and registers the session collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_enqueued_total",
			Help:      "Mutation requests accepted by the queue",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_dropped_total",
			Help:      "Mutation requests rejected (absent buffer) or discarded by reset",
		}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_executed_total",
			Help:      "Mutation requests executed, by outcome",
		}, []string{"status"}),
		slow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_slow_total",
			Help:      "Mutation requests that exceeded the slow threshold",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Drain passes run on the mutation worker",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Mutation requests waiting to execute",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Wall-clock time spent executing one mutation request",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.2, 1},
		}),
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_positions_total",
			Help:      "Patch positions processed, by outcome",
		}, []string{"result"}),
		handles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "highlight_handles_total",
			Help:      "Highlight handles created and released",
		}, []string{"op"}),
		activeLists: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "highlight_lists_active",
			Help:      "Stored (user, path) highlight lists",
		}),
		suppressedEdits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_edits_suppressed_total",
			Help:      "Edits dropped because the notification channel was suppressed",
		}),
	}

	m.registry.MustRegister(
		m.enqueued, m.dropped, m.executed, m.slow, m.drains, m.depth,
		m.duration, m.positions, m.handles, m.activeLists, m.suppressedEdits,
	)
	return m
}

// Registry returns the registry holding the session collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Enqueued records an accepted request and the resulting depth.
func (m *Metrics) Enqueued(depth int) {
	if m == nil {
		return
	}
	m.enqueued.Inc()
	m.depth.Set(float64(depth))
}

// Dropped records n requests that were rejected or discarded.
func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(float64(n))
}

// Depth records the current queue depth.
func (m *Metrics) Depth(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}

// Drain records the start of a drain pass.
func (m *Metrics) Drain() {
	if m == nil {
		return
	}
	m.drains.Inc()
}

// Executed records one finished request.
func (m *Metrics) Executed(status string, d time.Duration, slow bool) {
	if m == nil {
		return
	}
	m.executed.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
	if slow {
		m.slow.Inc()
	}
}

// Position records one processed patch position.
func (m *Metrics) Position(result string) {
	if m == nil {
		return
	}
	m.positions.WithLabelValues(result).Inc()
}

// HandlesCreated records n created highlight handles.
func (m *Metrics) HandlesCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.handles.WithLabelValues("created").Add(float64(n))
}

// HandlesReleased records n released highlight handles.
func (m *Metrics) HandlesReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.handles.WithLabelValues("released").Add(float64(n))
}

// ActiveLists records the number of stored highlight lists.
func (m *Metrics) ActiveLists(n int) {
	if m == nil {
		return
	}
	m.activeLists.Set(float64(n))
}

// SuppressedEdits adds delta edits dropped by the gate.
func (m *Metrics) SuppressedEdits(delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.suppressedEdits.Add(float64(delta))
}
