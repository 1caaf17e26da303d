package compute

import (
	"context"
	"net/http"
	"strings"
)

// Workload status values as reported by a provider. They describe the
// compute backend's view of the workload, not the session lifecycle.
const (
	WorkloadCreating = "creating"
	WorkloadRunning  = "running"
	WorkloadStopped  = "stopped"
	WorkloadError    = "error"
)

// Provider drives sandbox workloads on one compute backend.
type Provider interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	// Lifecycle
	CreateSandbox(ctx context.Context, params CreateParams) error
	DeleteSandbox(ctx context.Context, name string) error
	StartSandbox(ctx context.Context, name string) error
	StopSandbox(ctx context.Context, name string) error
	SandboxStatus(ctx context.Context, name string) (string, error)

	// Endpoint returns the base URL of the sandbox agent's HTTP surface.
	Endpoint(ctx context.Context, name string) (string, error)

	// HTTPTransport returns the transport needed to reach agent endpoints,
	// or nil when the default pooled transport works.
	HTTPTransport() http.RoundTripper
}

type CreateParams struct {
	Name          string
	Image         string
	AgentPort     int
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
	ShmSize       string
	Storage       string
	EnvVars       map[string]string
}

// WorkloadName derives the backend workload name from a session id. The
// first uuid group keeps names short and DNS-label safe.
func WorkloadName(sessionID string) string {
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "sbx-" + id
}
