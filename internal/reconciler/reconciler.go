// Package reconciler repairs drift between the session registry and the
// compute platform. Provisioning goroutines die with the process; agents
// crash without telling anyone; stop calls fail after the session already
// answered 202. A periodic sweep walks every live session and settles
// each one against what the platform actually reports.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sandgate-io/sandgate/internal/backend"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/compute"
	"github.com/sandgate-io/sandgate/internal/config"
	"github.com/sandgate-io/sandgate/internal/database"
	"github.com/sandgate-io/sandgate/internal/gateway"
	"github.com/sandgate-io/sandgate/internal/metrics"
	"github.com/sandgate-io/sandgate/internal/session"
)

// Reconciler owns the sweep schedule and the per-session probe failure
// counts that persist between sweeps.
type Reconciler struct {
	Sessions *session.Registry
	Breakers *breaker.Registry
	Agents   *backend.Client

	cron *cron.Cron

	mu         sync.Mutex
	probeFails map[string]int
}

func New(sessions *session.Registry, breakers *breaker.Registry, agents *backend.Client) *Reconciler {
	return &Reconciler{
		Sessions:   sessions,
		Breakers:   breakers,
		Agents:     agents,
		cron:       cron.New(),
		probeFails: make(map[string]int),
	}
}

// Start begins periodic sweeps on the configured cron schedule.
func (r *Reconciler) Start() error {
	schedule := config.Cfg.ReconcileSchedule
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		r.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule reconcile sweep: %w", err)
	}
	r.cron.Start()
	log.Printf("Reconciler sweeping on schedule %s", schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep walks every session once: probes running agents, settles stops
// stuck past their deadline, fails provisioning rows nothing is driving
// anymore, and republishes the per-status session counts.
func (r *Reconciler) Sweep(ctx context.Context) {
	sessions, err := r.Sessions.List()
	if err != nil {
		log.Printf("Reconcile sweep: list sessions: %v", err)
		return
	}

	running := make(map[string]bool)
	for i := range sessions {
		sess := &sessions[i]
		switch sess.Status {
		case database.StatusRunning:
			running[sess.SessionID] = true
			r.checkRunning(ctx, sess)
		case database.StatusStopping:
			r.checkStopping(ctx, sess)
		case database.StatusProvisioning:
			r.checkProvisioning(ctx, sess)
		}
	}
	r.pruneProbeFails(running)
	r.publishCounts()
}

// checkRunning probes the session's agent through the health breaker.
// Consecutive failures accumulate until the limit marks the session
// failed. An open breaker skips the probe without counting it, so a
// gateway-side outage cannot mass-fail every running session.
func (r *Reconciler) checkRunning(ctx context.Context, sess *database.Session) {
	_, apiErr := gateway.GuardedCall(ctx, r.Breakers, breaker.TargetHealth, config.Current().HealthCallTimeout,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.Agents.Probe(ctx, sess.BackendRef)
		})
	if apiErr == nil {
		r.resetProbeFails(sess.SessionID)
		return
	}
	if apiErr.Code == gateway.CodeCircuitOpen {
		return
	}

	fails := r.bumpProbeFails(sess.SessionID)
	log.Printf("Session %s: probe failed (%d/%d): %s",
		sess.SessionID, fails, config.Cfg.ProbeFailLimit, apiErr.Message)
	if fails < config.Cfg.ProbeFailLimit {
		return
	}
	reason := "agent unreachable after " + strconv.Itoa(fails) + " consecutive probes"
	if err := r.Sessions.MarkFailed(sess.SessionID, reason); err != nil {
		log.Printf("Session %s: could not mark failed: %v", sess.SessionID, err)
		return
	}
	r.resetProbeFails(sess.SessionID)
	log.Printf("Session %s failed: %s", sess.SessionID, reason)
}

// checkStopping settles a stop whose goroutine never confirmed it. Before
// the stop deadline the session is left alone. After it, the platform's
// own view decides: a stopped workload completes the stop, anything else
// fails the session.
func (r *Reconciler) checkStopping(ctx context.Context, sess *database.Session) {
	if time.Since(sess.UpdatedAt) < config.Cfg.StopDeadline {
		return
	}
	provider := compute.Get()
	if provider == nil {
		return
	}

	workload := sess.BackendRef
	if workload == "" {
		workload = compute.WorkloadName(sess.SessionID)
	}

	// Providers fold lookup errors into the status value, so this poll
	// stays off the breaker: it cannot produce a recordable failure.
	res := backend.Call(ctx, config.Current().InternalCallTimeout,
		func(ctx context.Context) (string, error) {
			return provider.SandboxStatus(ctx, workload)
		})
	if res.Outcome != backend.Success {
		// No answer at all; try again next sweep.
		return
	}

	if res.Value == compute.WorkloadStopped {
		if err := r.Sessions.MarkStopped(sess.SessionID); err != nil {
			log.Printf("Session %s: could not mark stopped: %v", sess.SessionID, err)
			return
		}
		log.Printf("Session %s stop confirmed by sweep", sess.SessionID)
		return
	}

	if err := r.Sessions.MarkFailed(sess.SessionID, "stop deadline exceeded"); err != nil {
		log.Printf("Session %s: could not mark failed: %v", sess.SessionID, err)
		return
	}
	log.Printf("Session %s failed: workload %s still %s past the stop deadline",
		sess.SessionID, workload, res.Value)
}

// checkProvisioning fails a provisioning row that nothing has advanced
// within the deadline. The create goroutine that owned it is gone (crash
// or restart); whatever workload it left behind is cleaned up. A start
// re-drive touches the row, restarting this clock.
func (r *Reconciler) checkProvisioning(ctx context.Context, sess *database.Session) {
	if time.Since(sess.UpdatedAt) < config.Cfg.ProvisionDeadline {
		return
	}

	reason := "provisioning stalled beyond " + config.Cfg.ProvisionDeadline.String()
	if err := r.Sessions.MarkFailed(sess.SessionID, reason); err != nil {
		log.Printf("Session %s: could not mark failed: %v", sess.SessionID, err)
		return
	}
	log.Printf("Session %s failed: %s", sess.SessionID, reason)

	if provider := compute.Get(); provider != nil {
		workload := compute.WorkloadName(sess.SessionID)
		if err := provider.DeleteSandbox(ctx, workload); err != nil {
			log.Printf("Failed to clean up workload %s: %v", workload, err)
		}
	}
}

func (r *Reconciler) bumpProbeFails(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probeFails[id]++
	return r.probeFails[id]
}

func (r *Reconciler) resetProbeFails(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.probeFails, id)
}

// pruneProbeFails drops counts for sessions that left running, so an id
// reused after stop/start does not inherit stale failures.
func (r *Reconciler) pruneProbeFails(running map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.probeFails {
		if !running[id] {
			delete(r.probeFails, id)
		}
	}
}

func (r *Reconciler) publishCounts() {
	counts, err := r.Sessions.CountByStatus()
	if err != nil {
		log.Printf("Reconcile sweep: count sessions: %v", err)
		return
	}
	for _, status := range []string{
		database.StatusProvisioning,
		database.StatusRunning,
		database.StatusStopping,
		database.StatusStopped,
		database.StatusFailed,
	} {
		metrics.SetSessionCount(status, counts[status])
	}
}
