// Package observability provides Prometheus metrics and OpenTelemetry
// tracing setup for bibforge.
//
// All metric methods are safe for concurrent use and are no-ops on a nil
// *Metrics, so components can be built without instrumentation in tests.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "bibforge"

// Metrics holds every collector bibforge exports.
type Metrics struct {
	// CompilationsTotal counts finished compilations.
	// Labels: status (success, failure, error), stage
	CompilationsTotal *prometheus.CounterVec

	// CompilationSeconds measures pipeline duration from lease to classification.
	// Labels: status
	CompilationSeconds *prometheus.HistogramVec

	// PassSeconds measures one sandbox invocation.
	// Labels: stage (typesetting, bibliography-resolution)
	PassSeconds *prometheus.HistogramVec

	// PassOutcomesTotal counts pass outcomes.
	// Labels: stage, outcome (ok, nonzero, timeout, start_error)
	PassOutcomesTotal *prometheus.CounterVec

	// CompilationsInFlight tracks compilations holding a sandbox slot.
	CompilationsInFlight prometheus.Gauge

	// SessionsActive tracks live sessions in the registry.
	SessionsActive prometheus.Gauge

	// GCCyclesTotal counts collector cycles.
	GCCyclesTotal prometheus.Counter

	// GCReclaimedTotal counts reclaimed session directories.
	// Labels: kind (expired, orphan)
	GCReclaimedTotal *prometheus.CounterVec

	// GCErrorsTotal counts per-session cleanup failures.
	GCErrorsTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CompilationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "compile",
				Name:      "total",
				Help:      "Finished compilations by status and failure stage",
			},
			[]string{"status", "stage"},
		),
		CompilationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "compile",
				Name:      "duration_seconds",
				Help:      "Compilation duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		PassSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "compile",
				Name:      "pass_duration_seconds",
				Help:      "Sandbox pass duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		PassOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "compile",
				Name:      "pass_outcomes_total",
				Help:      "Sandbox pass outcomes by stage",
			},
			[]string{"stage", "outcome"},
		),
		CompilationsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "compile",
			Name:      "in_flight",
			Help:      "Compilations currently running",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Live sessions in the registry",
		}),
		GCCyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gc",
			Name:      "cycles_total",
			Help:      "Collector cycles run",
		}),
		GCReclaimedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gc",
				Name:      "reclaimed_total",
				Help:      "Session workspaces reclaimed by kind",
			},
			[]string{"kind"},
		),
		GCErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gc",
			Name:      "cleanup_errors_total",
			Help:      "Per-session cleanup failures",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCompilation(status, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CompilationsTotal.WithLabelValues(status, stage).Inc()
	m.CompilationSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordPass(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PassOutcomesTotal.WithLabelValues(stage, outcome).Inc()
	m.PassSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns its undo.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.CompilationsInFlight.Inc()
	return m.CompilationsInFlight.Dec
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordCycle adds one collector cycle.
func (m *Metrics) RecordCycle(expired, orphans, errs int) {
	if m == nil {
		return
	}
	m.GCCyclesTotal.Inc()
	m.GCReclaimedTotal.WithLabelValues("expired").Add(float64(expired))
	m.GCReclaimedTotal.WithLabelValues("orphan").Add(float64(orphans))
	m.GCErrorsTotal.Add(float64(errs))
}
