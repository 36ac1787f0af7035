// Package metrics exposes reeld's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's instruments. A nil *Metrics is valid and
// turns every method into a no-op, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	runsQueued   prometheus.Gauge
	runsRunning  prometheus.Gauge
	runsFinished *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	subscribers  prometheus.Gauge
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reel_runs_queued",
			Help: "Number of render runs waiting in the ready queue.",
		}),
		runsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reel_runs_running",
			Help: "Number of render runs currently executing.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reel_runs_finished_total",
			Help: "Render runs that reached a terminal state, by status.",
		}, []string{"status"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reel_step_duration_seconds",
			Help:    "Wall time per pipeline step.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reel_progress_subscribers",
			Help: "Attached progress stream subscribers across all runs.",
		}),
	}
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunQueued() {
	if m != nil {
		m.runsQueued.Inc()
	}
}

func (m *Metrics) RunDequeued() {
	if m != nil {
		m.runsQueued.Dec()
	}
}

func (m *Metrics) RunStarted() {
	if m != nil {
		m.runsRunning.Inc()
	}
}

func (m *Metrics) RunFinished(status string) {
	if m != nil {
		m.runsRunning.Dec()
		m.runsFinished.WithLabelValues(status).Inc()
	}
}

// RunAborted records a terminal run that never occupied the running gauge in
// this process: canceled straight from the queue, or an orphan of a dead
// worker. Only the finished counter moves.
func (m *Metrics) RunAborted(status string) {
	if m != nil {
		m.runsFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveStep(step string, seconds float64) {
	if m != nil {
		m.stepDuration.WithLabelValues(step).Observe(seconds)
	}
}

func (m *Metrics) SubscriberAttached() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *Metrics) SubscriberDetached() {
	if m != nil {
		m.subscribers.Dec()
	}
}
