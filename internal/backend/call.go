package backend

import (
	"context"
	"errors"
	"net"
	"time"
)

// Outcome classifies one bounded backend call. Timeouts are ordinary
// outcomes here, not errors; callers decide what they mean for the
// breaker and the client response.
type Outcome string

const (
	Success      Outcome = "success"
	BackendError Outcome = "backend_error"
	TimedOut     Outcome = "timeout"
)

// Result carries the outcome of a bounded call. Value is meaningful only
// for Success; Err is the backend's error for BackendError and the
// deadline error for TimedOut.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

// Failed reports whether the outcome should count against the backend.
func (r Result[T]) Failed() bool {
	return r.Outcome != Success
}

// Call runs one backend round trip with a hard deadline. The operation
// receives a context that is canceled when the deadline fires; if it
// keeps running anyway its eventual result is discarded. Exactly one
// Result is produced per call.
func Call[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) Result[T] {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		value T
		err   error
	}
	// Buffered so an abandoned operation can still complete and exit.
	done := make(chan reply, 1)
	go func() {
		v, err := op(callCtx)
		done <- reply{v, err}
	}()

	select {
	case rep := <-done:
		return classify(rep.value, rep.err)
	case <-callCtx.Done():
		// Prefer a result that raced the deadline and won; otherwise the
		// operation is abandoned.
		select {
		case rep := <-done:
			return classify(rep.value, rep.err)
		default:
			return Result[T]{Outcome: TimedOut, Err: callCtx.Err()}
		}
	}
}

func classify[T any](value T, err error) Result[T] {
	if err != nil {
		if isTimeout(err) {
			return Result[T]{Outcome: TimedOut, Err: err}
		}
		return Result[T]{Outcome: BackendError, Err: err}
	}
	return Result[T]{Outcome: Success, Value: value}
}

// isTimeout matches deadline errors whether they surface as a context
// error or as a net.Error from a transport that honored the context.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
