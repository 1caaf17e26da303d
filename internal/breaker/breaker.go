package breaker

import (
	"log"
	"sync"
	"time"

	"github.com/sandgate-io/sandgate/internal/metrics"
)

// Target identifies a class of backend calls that fails independently of
// the others. The set is fixed; one breaker exists per target.
type Target string

const (
	// TargetHealth covers agent health probes.
	TargetHealth Target = "health"
	// TargetInternal covers platform API calls (workload create/start/stop).
	TargetInternal Target = "internal"
	// TargetSessions covers terminal stream attachment to agents.
	TargetSessions Target = "sessions"
)

// Targets lists every breaker target in a stable order.
func Targets() []Target {
	return []Target{TargetHealth, TargetInternal, TargetSessions}
}

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Options tune all breakers in a registry. They can be swapped at runtime
// via SetOptions when settings are reloaded.
type Options struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// CoolDown is how long an open breaker rejects calls before granting
	// a single probe.
	CoolDown time.Duration
}

type targetState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// Registry holds one breaker per target. All state is instance-local soft
// state; it is never persisted and resets on restart.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	targets map[Target]*targetState

	// now is injected so tests can drive the cool-down clock.
	now func() time.Time
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		opts:    opts,
		targets: make(map[Target]*targetState),
		now:     time.Now,
	}
	for _, t := range Targets() {
		r.targets[t] = &targetState{state: StateClosed}
		metrics.SetBreakerState(string(t), string(StateClosed))
	}
	return r
}

// SetOptions replaces the tuning for all targets. Existing counters and
// open/half-open state carry over; the new values apply on the next
// evaluation.
func (r *Registry) SetOptions(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts
}

// Allow reports whether a call to the target may proceed. An open breaker
// whose cool-down has elapsed moves to half-open and grants exactly one
// probe; further calls are rejected until that probe's outcome is
// recorded.
func (r *Registry) Allow(target Target) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.targets[target]
	switch ts.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.now().Sub(ts.openedAt) >= r.opts.CoolDown {
			r.transition(target, ts, StateHalfOpen)
			ts.probeInFlight = true
			return true
		}
		metrics.RecordBreakerDenied(string(target))
		return false
	case StateHalfOpen:
		// Only one probe at a time.
		metrics.RecordBreakerDenied(string(target))
		return false
	}
	return false
}

// RecordSuccess records a successful call outcome for the target.
func (r *Registry) RecordSuccess(target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.targets[target]
	switch ts.state {
	case StateClosed:
		ts.consecutiveFailures = 0
	case StateHalfOpen:
		ts.probeInFlight = false
		ts.consecutiveFailures = 0
		r.transition(target, ts, StateClosed)
	case StateOpen:
		// Straggler from a call that started before the breaker opened.
		// The cool-down clock decides when to probe, not late results.
	}
}

// RecordFailure records a failed call outcome (backend error or timeout)
// for the target.
func (r *Registry) RecordFailure(target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.targets[target]
	switch ts.state {
	case StateClosed:
		ts.consecutiveFailures++
		if ts.consecutiveFailures >= r.opts.FailureThreshold {
			ts.openedAt = r.now()
			r.transition(target, ts, StateOpen)
		}
	case StateHalfOpen:
		ts.probeInFlight = false
		ts.consecutiveFailures++
		ts.openedAt = r.now()
		r.transition(target, ts, StateOpen)
	case StateOpen:
		// Straggler; already open.
	}
}

// transition applies a state change and publishes it. Caller must hold lock.
func (r *Registry) transition(target Target, ts *targetState, to State) {
	from := ts.state
	ts.state = to
	log.Printf("Breaker %s: %s -> %s (failures=%d)", target, from, to, ts.consecutiveFailures)
	metrics.RecordBreakerTransition(string(target), string(to))
}

// TargetSnapshot is a point-in-time view of one breaker for health
// reporting.
type TargetSnapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the current state of every breaker.
func (r *Registry) Snapshot() map[Target]TargetSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Target]TargetSnapshot, len(r.targets))
	for t, ts := range r.targets {
		snap := TargetSnapshot{
			State:               ts.state,
			ConsecutiveFailures: ts.consecutiveFailures,
		}
		if ts.state != StateClosed {
			snap.OpenedAt = ts.openedAt
		}
		out[t] = snap
	}
	return out
}

// State returns the current state for one target.
func (r *Registry) State(target Target) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[target].state
}
