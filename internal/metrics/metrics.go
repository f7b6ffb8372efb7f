// Package metrics holds the Prometheus collectors for the nudge pipeline.
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Generation client
	AIAttempts       *prometheus.CounterVec
	AIAttemptLatency *prometheus.HistogramVec
	CircuitOpen      prometheus.Gauge

	// Orchestrator
	Nudges              *prometheus.CounterVec
	CooldownRejections  prometheus.Counter
	PersistFailures     prometheus.Counter
	StreamCancellations prometheus.Counter
	MalformedChunks     prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep instances isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AIAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nudge_ai_attempts_total",
				Help: "Generation attempts against the AI provider by outcome",
			},
			[]string{"provider", "outcome"},
		),
		AIAttemptLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nudge_ai_attempt_duration_seconds",
				Help:    "Duration of a single AI provider attempt in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to 25s
			},
			[]string{"provider"},
		),
		CircuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "nudge_ai_circuit_open",
			Help: "1 while the AI circuit breaker is open, 0 otherwise",
		}),
		Nudges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nudge_generated_total",
				Help: "Persisted nudges by delivery path and text source",
			},
			[]string{"path", "source"},
		),
		CooldownRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_cooldown_rejections_total",
			Help: "Requests rejected by the per-learner cooldown gate",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_persist_failures_total",
			Help: "Nudge writes that failed at the storage layer",
		}),
		StreamCancellations: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_stream_cancellations_total",
			Help: "Streaming requests abandoned by the caller before a terminal frame",
		}),
		MalformedChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "nudge_ai_malformed_chunks_total",
			Help: "Undecodable stream fragments skipped by the generation client",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAttempt(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AIAttempts.WithLabelValues(provider, outcome).Inc()
	m.AIAttemptLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}

func (m *Metrics) IncNudge(path, source string) {
	if m == nil {
		return
	}
	m.Nudges.WithLabelValues(path, source).Inc()
}

func (m *Metrics) IncCooldownRejection() {
	if m == nil {
		return
	}
	m.CooldownRejections.Inc()
}

func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) IncStreamCancelled() {
	if m == nil {
		return
	}
	m.StreamCancellations.Inc()
}

func (m *Metrics) IncMalformedChunk() {
	if m == nil {
		return
	}
	m.MalformedChunks.Inc()
}
