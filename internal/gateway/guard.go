package gateway

import (
	"context"
	"time"

	"github.com/sandgate-io/sandgate/internal/backend"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/metrics"
)

// GuardedCall runs one backend operation behind its circuit breaker with
// a bounded deadline, and feeds the outcome back to the breaker. This is
// the single place where outcomes turn into breaker feedback and client
// errors, so handlers cannot get the policy wrong.
func GuardedCall[T any](ctx context.Context, breakers *breaker.Registry, target breaker.Target, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, *APIError) {
	var zero T

	if !breakers.Allow(target) {
		return zero, CircuitOpen(string(target))
	}

	res := backend.Call(ctx, timeout, op)
	metrics.RecordBoundedCall(string(target), string(res.Outcome))

	switch res.Outcome {
	case backend.Success:
		breakers.RecordSuccess(target)
		return res.Value, nil
	case backend.TimedOut:
		breakers.RecordFailure(target)
		return zero, BackendTimeoutErr("backend did not answer within " + timeout.String())
	default:
		breakers.RecordFailure(target)
		return zero, BackendErr(res.Err)
	}
}
