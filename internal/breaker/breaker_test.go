package breaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock drives the cool-down timer without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(threshold int, coolDown time.Duration) (*Registry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{FailureThreshold: threshold, CoolDown: coolDown})
	r.now = clk.now
	return r, clk
}

func TestBreaker_InitialStateClosed(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(3, 30*time.Second)

	for _, target := range Targets() {
		if got := r.State(target); got != StateClosed {
			t.Errorf("target %s: initial state %s, want %s", target, got, StateClosed)
		}
		if !r.Allow(target) {
			t.Errorf("target %s: closed breaker should allow", target)
		}
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(3, 30*time.Second)

	r.RecordFailure(TargetInternal)
	r.RecordFailure(TargetInternal)
	if got := r.State(TargetInternal); got != StateClosed {
		t.Fatalf("state after 2 failures = %s, want %s", got, StateClosed)
	}
	if !r.Allow(TargetInternal) {
		t.Fatal("breaker below threshold should still allow")
	}

	r.RecordFailure(TargetInternal)
	if got := r.State(TargetInternal); got != StateOpen {
		t.Fatalf("state after 3 failures = %s, want %s", got, StateOpen)
	}
	if r.Allow(TargetInternal) {
		t.Fatal("open breaker must reject without reaching the backend")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(3, 30*time.Second)

	r.RecordFailure(TargetHealth)
	r.RecordFailure(TargetHealth)
	r.RecordSuccess(TargetHealth)
	r.RecordFailure(TargetHealth)
	r.RecordFailure(TargetHealth)

	if got := r.State(TargetHealth); got != StateClosed {
		t.Fatalf("interleaved success should reset the failure count, state = %s", got)
	}

	r.RecordFailure(TargetHealth)
	if got := r.State(TargetHealth); got != StateOpen {
		t.Fatalf("third consecutive failure should open, state = %s", got)
	}
}

func TestBreaker_TargetsIndependent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(2, 30*time.Second)

	r.RecordFailure(TargetSessions)
	r.RecordFailure(TargetSessions)

	if got := r.State(TargetSessions); got != StateOpen {
		t.Fatalf("sessions breaker should be open, got %s", got)
	}
	if got := r.State(TargetInternal); got != StateClosed {
		t.Errorf("internal breaker should be unaffected, got %s", got)
	}
	if !r.Allow(TargetHealth) {
		t.Error("health breaker should be unaffected")
	}
}

func TestBreaker_CoolDownGrantsSingleProbe(t *testing.T) {
	t.Parallel()
	r, clk := newTestRegistry(1, 30*time.Second)

	r.RecordFailure(TargetInternal)
	if r.Allow(TargetInternal) {
		t.Fatal("open breaker should reject before cool-down")
	}

	clk.advance(29 * time.Second)
	if r.Allow(TargetInternal) {
		t.Fatal("breaker should still reject just before cool-down elapses")
	}

	clk.advance(time.Second)
	if !r.Allow(TargetInternal) {
		t.Fatal("breaker should grant one probe after cool-down")
	}
	if got := r.State(TargetInternal); got != StateHalfOpen {
		t.Fatalf("state after probe granted = %s, want %s", got, StateHalfOpen)
	}
	if r.Allow(TargetInternal) {
		t.Fatal("second call during probe must be rejected")
	}
	if r.Allow(TargetInternal) {
		t.Fatal("third call during probe must be rejected")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()
	r, clk := newTestRegistry(1, 30*time.Second)

	r.RecordFailure(TargetSessions)
	clk.advance(30 * time.Second)
	if !r.Allow(TargetSessions) {
		t.Fatal("probe should be granted")
	}

	r.RecordSuccess(TargetSessions)
	if got := r.State(TargetSessions); got != StateClosed {
		t.Fatalf("state after probe success = %s, want %s", got, StateClosed)
	}
	if !r.Allow(TargetSessions) {
		t.Fatal("closed breaker should allow")
	}

	snap := r.Snapshot()[TargetSessions]
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures after close = %d, want 0", snap.ConsecutiveFailures)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	r, clk := newTestRegistry(1, 30*time.Second)

	r.RecordFailure(TargetInternal)
	clk.advance(30 * time.Second)
	if !r.Allow(TargetInternal) {
		t.Fatal("probe should be granted")
	}

	r.RecordFailure(TargetInternal)
	if got := r.State(TargetInternal); got != StateOpen {
		t.Fatalf("state after probe failure = %s, want %s", got, StateOpen)
	}

	// Cool-down restarts from the probe failure, not the original open.
	clk.advance(29 * time.Second)
	if r.Allow(TargetInternal) {
		t.Fatal("cool-down should have restarted after probe failure")
	}
	clk.advance(time.Second)
	if !r.Allow(TargetInternal) {
		t.Fatal("next probe should be granted after the restarted cool-down")
	}
}

func TestBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	t.Parallel()
	r, clk := newTestRegistry(1, 30*time.Second)

	r.RecordFailure(TargetSessions)
	clk.advance(30 * time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Allow(TargetSessions) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("expected exactly 1 probe granted, got %d", granted)
	}
}

func TestBreaker_SetOptionsAppliesToNextEvaluation(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(5, 30*time.Second)

	r.RecordFailure(TargetInternal)
	r.RecordFailure(TargetInternal)
	if got := r.State(TargetInternal); got != StateClosed {
		t.Fatalf("state below threshold = %s, want %s", got, StateClosed)
	}

	r.SetOptions(Options{FailureThreshold: 2, CoolDown: 30 * time.Second})
	r.RecordFailure(TargetInternal)
	if got := r.State(TargetInternal); got != StateOpen {
		t.Fatalf("lowered threshold should open on next failure, state = %s", got)
	}
}

func TestBreaker_StragglerOutcomesWhileOpen(t *testing.T) {
	t.Parallel()
	r, clk := newTestRegistry(1, 30*time.Second)

	r.RecordFailure(TargetHealth)
	openSnap := r.Snapshot()[TargetHealth]

	// Outcomes from calls that were in flight when the breaker opened must
	// not move the cool-down clock or close the breaker.
	r.RecordSuccess(TargetHealth)
	r.RecordFailure(TargetHealth)

	if got := r.State(TargetHealth); got != StateOpen {
		t.Fatalf("straggler outcomes changed state to %s", got)
	}
	if got := r.Snapshot()[TargetHealth].OpenedAt; !got.Equal(openSnap.OpenedAt) {
		t.Errorf("straggler failure moved openedAt from %v to %v", openSnap.OpenedAt, got)
	}

	clk.advance(30 * time.Second)
	if !r.Allow(TargetHealth) {
		t.Fatal("probe should be granted on the original cool-down schedule")
	}
}

func TestBreaker_ConcurrentRecordSafety(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(3, time.Second)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if n%2 == 0 {
					r.RecordFailure(TargetInternal)
				} else {
					r.RecordSuccess(TargetInternal)
				}
				r.Allow(TargetInternal)
			}
		}(g)
	}
	wg.Wait()
	// Should not panic or deadlock; final state depends on interleaving.
}
