package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are package globals registered once at init so every package
// can record without plumbing a registry around.
var (
	boundedCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandgate_bounded_calls_total",
			Help: "Total number of bounded backend calls by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandgate_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"target"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandgate_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"target", "to"},
	)

	breakerDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandgate_breaker_denied_total",
			Help: "Total number of calls fast-failed by an open breaker",
		},
		[]string{"target"},
	)

	activeRelays = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandgate_active_relays",
			Help: "Number of terminal relays currently running",
		},
	)

	relayBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandgate_relay_bytes_total",
			Help: "Bytes relayed between clients and sandbox agents",
		},
		[]string{"direction"},
	)

	sessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandgate_sessions",
			Help: "Number of sessions by lifecycle status",
		},
		[]string{"status"},
	)
)

var stateCodes = map[string]float64{
	"closed":    0,
	"open":      1,
	"half_open": 2,
}

// RecordBoundedCall records the outcome of one bounded backend call.
func RecordBoundedCall(target, outcome string) {
	boundedCalls.WithLabelValues(target, outcome).Inc()
}

// SetBreakerState publishes the breaker state for a target.
func SetBreakerState(target, state string) {
	breakerState.WithLabelValues(target).Set(stateCodes[state])
}

// RecordBreakerTransition records a breaker state change.
func RecordBreakerTransition(target, to string) {
	breakerTransitions.WithLabelValues(target, to).Inc()
	SetBreakerState(target, to)
}

// RecordBreakerDenied records a call rejected without reaching the backend.
func RecordBreakerDenied(target string) {
	breakerDenied.WithLabelValues(target).Inc()
}

// RelayStarted and RelayFinished track the active relay gauge.
func RelayStarted() { activeRelays.Inc() }

func RelayFinished() { activeRelays.Dec() }

// AddRelayBytes accumulates relayed byte counts for one direction
// ("client_to_backend" or "backend_to_client").
func AddRelayBytes(direction string, n int) {
	relayBytes.WithLabelValues(direction).Add(float64(n))
}

// SetSessionCount publishes the session count for a lifecycle status.
func SetSessionCount(status string, n int) {
	sessionsByStatus.WithLabelValues(status).Set(float64(n))
}
