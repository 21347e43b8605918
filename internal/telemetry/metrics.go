package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-run counters on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	stepDuration *prometheus.HistogramVec
	selections   *prometheus.CounterVec
	overlays     *prometheus.CounterVec
	runs         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shopwalk",
			Name:      "step_duration_seconds",
			Help:      "Time spent in each flow step, including readiness waits.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"step", "status"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopwalk",
			Name:      "selections_total",
			Help:      "Search result selections by match kind and final state.",
		}, []string{"match", "state"}),
		overlays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopwalk",
			Name:      "overlays_total",
			Help:      "Overlay rule evaluations by rule and result.",
		}, []string{"rule", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopwalk",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(m.stepDuration, m.selections, m.overlays, m.runs)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveStep(step, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

func (m *Metrics) CountSelection(match, state string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(match, state).Inc()
}

func (m *Metrics) CountOverlay(rule, result string) {
	if m == nil {
		return
	}
	m.overlays.WithLabelValues(rule, result).Inc()
}

func (m *Metrics) CountRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// WriteFile writes the registry in the Prometheus text format, suitable for
// the node exporter textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
