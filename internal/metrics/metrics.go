// Package metrics declares the Prometheus metrics for the focus core.
//
// Naming convention: namespace_subsystem_name
//   - namespace: focus (application-level grouping)
//   - subsystem: conference, participant, invite, bridge, source, visitor,
//     circuit_breaker, rate_limit, registry (feature-level grouping)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConferences tracks the current number of running conferences.
	ActiveConferences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "conference",
		Name:      "active",
		Help:      "Current number of running conferences",
	})

	// ConferenceStateTransitions counts conference state-machine transitions.
	ConferenceStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "conference",
		Name:      "state_transitions_total",
		Help:      "Total conference state transitions",
	}, []string{"from", "to"})

	// ConferenceParticipants tracks current participant count per conference.
	ConferenceParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "conference",
		Name:      "participants_count",
		Help:      "Number of participants in each conference",
	}, []string{"meeting_id"})

	// ParticipantsMoved counts endpoints migrated off a removed bridge.
	ParticipantsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "participant",
		Name:      "moved_total",
		Help:      "Total participants migrated off a removed bridge session",
	}, []string{"reason"})

	// RestartRequestsThrottled counts participant session-restart requests
	// rejected by the rate limiter (spec.md property 6).
	RestartRequestsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "participant",
		Name:      "restart_requests_throttled_total",
		Help:      "Total session-restart requests rejected by the per-participant rate limiter",
	}, []string{"window"})

	// InviteRunnerOutcomes counts invite runner terminal outcomes.
	InviteRunnerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "invite",
		Name:      "outcomes_total",
		Help:      "Total invite runner terminal outcomes",
	}, []string{"outcome"})

	// SourceRegistryRejections counts source add/remove operations rejected
	// by validation (spec.md §4.2 invariants).
	SourceRegistryRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "source",
		Name:      "rejections_total",
		Help:      "Total source registry operations rejected by validation",
	}, []string{"reason"})

	// BridgeCount tracks the number of bridges in active use.
	BridgeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "bridge",
		Name:      "in_use",
		Help:      "Current number of bridges handling at least one endpoint",
	})

	// BridgeSelections counts bridge selection attempts by outcome.
	BridgeSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "bridge",
		Name:      "selections_total",
		Help:      "Total bridge selection attempts",
	}, []string{"outcome"})

	// BridgeHealthCheckFailures counts bridge health-check poll failures that
	// triggered removing the bridge from every live conference.
	BridgeHealthCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "bridge",
		Name:      "health_check_failures_total",
		Help:      "Total bridge health-check failures that removed the bridge from live conferences",
	}, []string{"bridge_id"})

	// VisitorsRedirected counts visitor endpoints redirected to a visitor room.
	VisitorsRedirected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "visitor",
		Name:      "redirected_total",
		Help:      "Total visitor endpoints redirected to a visitor node",
	}, []string{"region"})

	// CircuitBreakerState tracks circuit breaker state per guarded service.
	// 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by an open circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks admin HTTP requests that exceeded their rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks admin HTTP requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks registry-mirror Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "registry",
		Name:      "operations_total",
		Help:      "Total number of registry-mirror Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks registry-mirror Redis operation latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "focus",
		Subsystem: "registry",
		Name:      "operation_duration_seconds",
		Help:      "Duration of registry-mirror Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
