package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderAttemptsTotal counts provider call attempts by outcome.
	ProviderAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_orchestrator_provider_attempts_total",
			Help: "Total provider call attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderAttemptDuration measures provider call latency.
	ProviderAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quote_orchestrator_provider_attempt_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// ProviderCostTotal counts estimated generation cost.
	ProviderCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_orchestrator_provider_cost_dollars_total",
			Help: "Estimated generation cost in dollars",
		},
		[]string{"provider"},
	)

	// CircuitBreakerState exposes each provider breaker state
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quote_orchestrator_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	// PolicyRejectionsTotal counts quota and rate-limit rejections.
	PolicyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_orchestrator_policy_rejections_total",
			Help: "Requests rejected by quota or rate limiting",
		},
		[]string{"policy"},
	)

	// GenerateRequestsTotal counts GenerateQuote calls by result reason.
	GenerateRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_orchestrator_generate_requests_total",
			Help: "GenerateQuote calls by terminal result",
		},
		[]string{"result"},
	)
)
