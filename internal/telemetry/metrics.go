// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// code generation runs.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

const namespace = "dslcopilot"

// Metrics holds the code generation collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	attemptsPerRun  *prometheus.HistogramVec
	attemptDuration *prometheus.HistogramVec
	runDuration     *prometheus.HistogramVec
	feedback        *prometheus.CounterVec
	inflight        prometheus.Gauge
}

// NewMetrics registers the collectors plus Go runtime and process metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Labels: language, outcome (succeeded, exhausted, cancelled)
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codegen",
			Name:      "runs_total",
			Help:      "Completed code generation runs by outcome",
		}, []string{"language", "outcome"}),

		attemptsPerRun: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "codegen",
			Name:      "attempts",
			Help:      "Attempts consumed per run",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		}, []string{"language", "outcome"}),

		// Labels: language, result (passed, generation_failed, validation_failed, cancelled)
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "codegen",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of one generate and validate attempt",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"language", "result"}),

		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "codegen",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a whole run",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"language", "outcome"}),

		// Labels: stage (generate, validate)
		feedback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codegen",
			Name:      "feedback_total",
			Help:      "Error feedback messages appended to history",
		}, []string{"language", "stage"}),

		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "codegen",
			Name:      "inflight_runs",
			Help:      "Runs currently in progress",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observer returns a codegen.Observer that records one run. A new observer
// is needed per run.
func (m *Metrics) Observer(language string) codegen.Observer {
	var runStart, attemptStart time.Time
	return func(e codegen.Event) {
		now := time.Now()
		switch e.Kind {
		case codegen.EventAttemptStarted:
			if runStart.IsZero() {
				runStart = now
				m.inflight.Inc()
			}
			attemptStart = now
		case codegen.EventGenerationFailed, codegen.EventValidationFailed:
			m.attemptDuration.WithLabelValues(language, string(e.Kind)).Observe(since(attemptStart, now))
			m.feedback.WithLabelValues(language, string(e.Stage)).Inc()
		case codegen.EventSucceeded:
			m.attemptDuration.WithLabelValues(language, "passed").Observe(since(attemptStart, now))
			m.finish(language, "succeeded", e.Attempt, runStart, now)
		case codegen.EventExhausted:
			m.finish(language, "exhausted", e.Attempt, runStart, now)
		case codegen.EventCancelled:
			if !attemptStart.IsZero() {
				m.attemptDuration.WithLabelValues(language, "cancelled").Observe(since(attemptStart, now))
			}
			m.finish(language, "cancelled", e.Attempt, runStart, now)
		}
	}
}

func (m *Metrics) finish(language, outcome string, attempts int, runStart, now time.Time) {
	m.runs.WithLabelValues(language, outcome).Inc()
	m.attemptsPerRun.WithLabelValues(language, outcome).Observe(float64(attempts))
	m.runDuration.WithLabelValues(language, outcome).Observe(since(runStart, now))
	if !runStart.IsZero() {
		m.inflight.Dec()
	}
}

func since(start, now time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	return now.Sub(start).Seconds()
}
