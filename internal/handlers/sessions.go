package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sandgate-io/sandgate/internal/backend"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/compute"
	"github.com/sandgate-io/sandgate/internal/config"
	"github.com/sandgate-io/sandgate/internal/database"
	"github.com/sandgate-io/sandgate/internal/gateway"
	"github.com/sandgate-io/sandgate/internal/logutil"
)

// readyPollInterval paces the agent readiness loop after a workload create.
// Variable so tests can tighten it.
var readyPollInterval = 2 * time.Second

type sessionCreateRequest struct {
	Name string `json:"name"`
}

func generateName() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "session-" + hex.EncodeToString(b)
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := Sessions.List()
	if err != nil {
		gateway.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body sessionCreateRequest
	if apiErr := decodeBody(r, &body); apiErr != nil {
		gateway.WriteError(w, r, apiErr)
		return
	}
	if len(body.Name) > 128 {
		gateway.WriteError(w, r, gateway.Validation("name exceeds 128 characters"))
		return
	}
	if body.Name == "" {
		body.Name = generateName()
	}

	if compute.Get() == nil {
		gateway.WriteError(w, r, gateway.Unavailable("no compute backend available"))
		return
	}

	sess, err := Sessions.Create(body.Name)
	if err != nil {
		gateway.WriteError(w, r, err)
		return
	}
	log.Printf("Session %s created (%s), provisioning", sess.SessionID, logutil.SanitizeForLog(sess.Name))

	// Workload create and image pull can take minutes; the row answers now
	// and the goroutine walks it to running or failed.
	go provisionSession(sess.SessionID)

	writeJSON(w, http.StatusAccepted, sess)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		gateway.WriteError(w, r, gateway.Validation("malformed session id"))
		return
	}

	sess, err := Sessions.Get(id)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// StartSession re-drives a provisioning session whose original create
// goroutine is gone (restart, crash, deferred by an open breaker). Running
// and terminal sessions are rejected; a terminal session needs a fresh
// create.
func StartSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		gateway.WriteError(w, r, gateway.Validation("malformed session id"))
		return
	}

	sess, err := Sessions.Get(id)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	if sess.Status != database.StatusProvisioning {
		gateway.WriteError(w, r, gateway.Conflict("session is "+sess.Status+", start re-drives provisioning only"))
		return
	}
	if compute.Get() == nil {
		gateway.WriteError(w, r, gateway.Unavailable("no compute backend available"))
		return
	}

	// Restart the provisioning clock so the reconciler does not fail the
	// session out from under the re-drive.
	Sessions.Touch(id)
	go redriveSession(id)

	sess, err = Sessions.Get(id)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		gateway.WriteError(w, r, gateway.Validation("malformed session id"))
		return
	}

	sess, err := Sessions.Get(id)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	workload := sess.BackendRef

	if err := Sessions.MarkStopping(id); err != nil {
		writeSessionError(w, r, err)
		return
	}
	log.Printf("Session %s stopping, workload %s", id, workload)

	go stopWorkload(id, workload)

	sess, err = Sessions.Get(id)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		gateway.WriteError(w, r, gateway.Validation("malformed session id"))
		return
	}

	if err := Sessions.Delete(id); err != nil {
		writeSessionError(w, r, err)
		return
	}

	// Terminal sessions have no binding, but a failed provision may have
	// left an orphan workload behind; the name is deterministic, so clean
	// it up best-effort.
	if provider := compute.Get(); provider != nil {
		workload := compute.WorkloadName(id)
		if err := provider.DeleteSandbox(r.Context(), workload); err != nil {
			log.Printf("Failed to delete workload %s for session %s: %v", workload, id, err)
		}
	}

	log.Printf("Session %s deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// sandboxParams builds the workload definition from the template, folding
// in the shared agent token so the sandbox enforces the same credential
// the gateway presents.
func sandboxParams(workload string) compute.CreateParams {
	env := make(map[string]string, len(Template.Env)+1)
	for k, v := range Template.Env {
		env[k] = v
	}
	if token, err := AgentToken(); err == nil && token != "" {
		env["AGENT_TOKEN"] = token
	}
	return compute.CreateParams{
		Name:          workload,
		Image:         Template.Image,
		AgentPort:     Template.AgentPort,
		CPURequest:    Template.CPURequest,
		CPULimit:      Template.CPULimit,
		MemoryRequest: Template.MemoryRequest,
		MemoryLimit:   Template.MemoryLimit,
		ShmSize:       Template.ShmSize,
		Storage:       Template.Storage,
		EnvVars:       env,
	}
}

// provisionSession drives one session from provisioning to running: create
// the workload, wait for the agent to answer probes, bind. The HTTP
// response went out long before this finishes.
func provisionSession(id string) {
	ctx := context.Background()
	provider := compute.Get()
	if provider == nil {
		failProvisioning(id, "no compute backend available")
		return
	}

	workload := compute.WorkloadName(id)
	if !createWorkload(ctx, provider, id, workload) {
		return
	}
	waitAndBind(ctx, provider, id, workload)
}

// redriveSession picks a provisioning session back up against whatever the
// platform still has: an existing workload is reused or restarted, a broken
// or missing one is rebuilt.
func redriveSession(id string) {
	ctx := context.Background()
	provider := compute.Get()
	if provider == nil {
		failProvisioning(id, "no compute backend available")
		return
	}
	workload := compute.WorkloadName(id)

	// Providers fold lookup errors into the status value, so this poll
	// stays off the breaker: it cannot produce a recordable failure.
	res := backend.Call(ctx, config.Current().InternalCallTimeout,
		func(ctx context.Context) (string, error) {
			return provider.SandboxStatus(ctx, workload)
		})
	status := compute.WorkloadError
	if res.Outcome == backend.Success {
		status = res.Value
	}

	switch status {
	case compute.WorkloadRunning, compute.WorkloadCreating:
		// Workload survived; just wait for the agent.
	case compute.WorkloadStopped:
		// Either stopped or never created. Try a start; a start that fails
		// because there is nothing to start falls through to a rebuild.
		_, apiErr := gateway.GuardedCall(ctx, Breakers, breaker.TargetInternal, config.Current().InternalCallTimeout,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, provider.StartSandbox(ctx, workload)
			})
		if apiErr != nil {
			if apiErr.Code == gateway.CodeCircuitOpen {
				log.Printf("Session %s: re-drive deferred: %s", id, apiErr.Message)
				return
			}
			log.Printf("Session %s: workload start failed (%s), rebuilding", id, apiErr.Message)
			if !createWorkload(ctx, provider, id, workload) {
				return
			}
		}
	default:
		cleanupWorkload(ctx, provider, workload)
		if !createWorkload(ctx, provider, id, workload) {
			return
		}
	}
	waitAndBind(ctx, provider, id, workload)
}

// createWorkload drives the platform create call through the internal
// breaker. Reports whether the session is still worth waiting for: an open
// breaker leaves it in provisioning for a later re-drive, a hard failure
// marks it failed.
func createWorkload(ctx context.Context, provider compute.Provider, id, workload string) bool {
	_, apiErr := gateway.GuardedCall(ctx, Breakers, breaker.TargetInternal, config.Current().InternalCallTimeout,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, provider.CreateSandbox(ctx, sandboxParams(workload))
		})
	if apiErr == nil {
		return true
	}
	if apiErr.Code == gateway.CodeCircuitOpen {
		log.Printf("Session %s: workload create deferred: %s", id, apiErr.Message)
		return false
	}
	log.Printf("Session %s: workload create failed: %s", id, apiErr.Message)
	cleanupWorkload(ctx, provider, workload)
	failProvisioning(id, apiErr.Message)
	return false
}

// waitAndBind polls the agent's health endpoint until it answers, then
// binds the workload. Readiness probes stay off the health breaker: the
// agent is expected to be down while the image pulls, and counting that
// would poison probes of established sessions.
func waitAndBind(ctx context.Context, provider compute.Provider, id, workload string) {
	deadline := time.Now().Add(config.Cfg.ProvisionDeadline)
	for time.Now().Before(deadline) {
		res := backend.Call(ctx, config.Current().HealthCallTimeout,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, Agents.Probe(ctx, workload)
			})
		if res.Outcome == backend.Success {
			if err := Sessions.Bind(id, workload); err != nil {
				log.Printf("Session %s: bind after ready failed: %v", id, err)
				cleanupWorkload(ctx, provider, workload)
				return
			}
			log.Printf("Session %s running on %s", id, workload)
			return
		}
		time.Sleep(readyPollInterval)
	}

	log.Printf("Session %s: workload %s not ready within %s", id, workload, config.Cfg.ProvisionDeadline)
	cleanupWorkload(ctx, provider, workload)
	failProvisioning(id, "sandbox did not become ready within "+config.Cfg.ProvisionDeadline.String())
}

// stopWorkload finishes an accepted stop. A failed platform call leaves
// the session in stopping; the reconciler resolves it at the stop deadline.
func stopWorkload(id, workload string) {
	ctx := context.Background()
	provider := compute.Get()
	if provider == nil {
		log.Printf("Session %s: no compute backend to stop %s", id, workload)
		return
	}

	_, apiErr := gateway.GuardedCall(ctx, Breakers, breaker.TargetInternal, config.Current().InternalCallTimeout,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, provider.StopSandbox(ctx, workload)
		})
	if apiErr != nil {
		log.Printf("Session %s: stop workload %s: %s", id, workload, apiErr.Message)
		return
	}
	if err := Sessions.MarkStopped(id); err != nil {
		log.Printf("Session %s: could not mark stopped: %v", id, err)
		return
	}
	log.Printf("Session %s stopped", id)
}

func failProvisioning(id, reason string) {
	if err := Sessions.MarkFailed(id, reason); err != nil {
		log.Printf("Session %s: could not mark failed: %v", id, err)
	}
}

func cleanupWorkload(ctx context.Context, provider compute.Provider, workload string) {
	if err := provider.DeleteSandbox(ctx, workload); err != nil {
		log.Printf("Failed to clean up workload %s: %v", workload, err)
	}
}
