package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the Prometheus metrics for admission decisions
type Registry struct {
	registry *prometheus.Registry

	// Decisions
	Decisions      *prometheus.CounterVec
	DecisionTime   *prometheus.HistogramVec
	GateFailures   *prometheus.CounterVec
	ExposureBlocks *prometheus.CounterVec

	// Data quality
	PriceFallbacks      *prometheus.CounterVec
	IntegrityViolations *prometheus.CounterVec

	// Replay cache
	Replays *prometheus.CounterVec

	// Upstream suppliers
	BreakerState *prometheus.GaugeVec
}

// NewRegistry creates and registers all admission metrics on a private
// prometheus registry, so several instances can coexist in tests.
func NewRegistry() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_decisions_total",
				Help: "Admission decisions by context, side, outcome and reason",
			},
			[]string{"context", "side", "outcome", "reason"},
		),

		DecisionTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admitgate_decision_duration_seconds",
				Help:    "Time from intent receipt to verdict, including lock wait",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"outcome"},
		),

		GateFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_gate_failures_total",
				Help: "Failed gate evaluations by gate, context and enforcement",
			},
			[]string{"gate", "context", "enforced"},
		),

		ExposureBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_exposure_blocks_total",
				Help: "Intents blocked by exposure limits, by reason",
			},
			[]string{"reason"},
		),

		PriceFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_price_fallbacks_total",
				Help: "Positions valued at their average price for lack of a live price",
			},
			[]string{"symbol"},
		),

		IntegrityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_integrity_violations_total",
				Help: "Positions excluded for monetary integrity violations, by code",
			},
			[]string{"code"},
		),

		Replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_verdict_replays_total",
				Help: "Verdict replay cache lookups by result",
			},
			[]string{"result"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admitgate_breaker_state",
				Help: "Circuit breaker state per supplier (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),
	}

	m.registry.MustRegister(
		m.Decisions,
		m.DecisionTime,
		m.GateFailures,
		m.ExposureBlocks,
		m.PriceFallbacks,
		m.IntegrityViolations,
		m.Replays,
		m.BreakerState,
	)

	return m
}

// RecordDecision counts a verdict and its latency
func (m *Registry) RecordDecision(context, side, outcome, reason string, latency time.Duration) {
	m.Decisions.WithLabelValues(context, side, outcome, reason).Inc()
	m.DecisionTime.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RecordGateFailure counts a failed gate, enforced or advisory
func (m *Registry) RecordGateFailure(gate, context string, enforced bool) {
	m.GateFailures.WithLabelValues(gate, context, strconv.FormatBool(enforced)).Inc()
}

// RecordExposureBlock counts an exposure block
func (m *Registry) RecordExposureBlock(reason string) {
	m.ExposureBlocks.WithLabelValues(reason).Inc()
}

// RecordPriceFallback counts a fallback valuation
func (m *Registry) RecordPriceFallback(symbol string) {
	m.PriceFallbacks.WithLabelValues(symbol).Inc()
}

// RecordIntegrityViolation counts an excluded position
func (m *Registry) RecordIntegrityViolation(code string) {
	m.IntegrityViolations.WithLabelValues(code).Inc()
}

// RecordReplay counts a replay cache lookup
func (m *Registry) RecordReplay(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.Replays.WithLabelValues(result).Inc()
}

// SetBreakerState publishes a breaker's state
func (m *Registry) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns an HTTP handler exposing this registry
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}
