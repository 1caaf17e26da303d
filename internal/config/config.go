package config

import (
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr      string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath        string `envconfig:"DATA_PATH" default:"/var/lib/sandgate"`
	DatabasePath    string `envconfig:"DATABASE_PATH" default:"/var/lib/sandgate/sandgate.db"`
	LogPath         string `envconfig:"LOG_PATH" default:"/var/lib/sandgate/sandgate.log"`
	K8sNamespace    string `envconfig:"K8S_NAMESPACE" default:"sandgate"`
	DockerHost      string `envconfig:"DOCKER_HOST" default:""`
	SandboxTemplate string `envconfig:"SANDBOX_TEMPLATE" default:""`

	// Defaults for runtime-tunable values. The settings table is seeded from
	// these on first boot; after that the table is authoritative (see Runtime).
	AllowedOrigins          []string      `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8000"`
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"3"`
	BreakerCoolDown         time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
	HealthCallTimeout       time.Duration `envconfig:"HEALTH_CALL_TIMEOUT" default:"5s"`
	InternalCallTimeout     time.Duration `envconfig:"INTERNAL_CALL_TIMEOUT" default:"15s"`
	SessionCallTimeout      time.Duration `envconfig:"SESSION_CALL_TIMEOUT" default:"10s"`

	MaxBodyBytes      int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	ReconcileSchedule string        `envconfig:"RECONCILE_SCHEDULE" default:"@every 30s"`
	ProvisionDeadline time.Duration `envconfig:"PROVISION_DEADLINE" default:"5m"`
	StopDeadline      time.Duration `envconfig:"STOP_DEADLINE" default:"2m"`
	ProbeFailLimit    int           `envconfig:"PROBE_FAIL_LIMIT" default:"3"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SANDGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Runtime holds the values the gateway re-reads from the settings store:
// origin allow-list, breaker tuning, and per-target call budgets. A snapshot
// is swapped in atomically on load/reload so request paths never see a
// half-updated set.
type Runtime struct {
	AllowedOrigins          []string
	BreakerFailureThreshold int
	BreakerCoolDown         time.Duration
	HealthCallTimeout       time.Duration
	InternalCallTimeout     time.Duration
	SessionCallTimeout      time.Duration
}

var runtime atomic.Pointer[Runtime]

// SettingSource reads one key from the settings store. Injected rather than
// imported so this package stays below the database package.
type SettingSource func(key string) (string, error)

// RuntimeKeys are the settings keys consulted by LoadRuntime, in the order
// they appear in the Runtime struct.
var RuntimeKeys = []string{
	"allowed_origins",
	"breaker_failure_threshold",
	"breaker_cooldown",
	"health_call_timeout",
	"internal_call_timeout",
	"session_call_timeout",
}

// Current returns the active runtime snapshot. Before the first LoadRuntime
// call it falls back to the environment defaults.
func Current() *Runtime {
	if rc := runtime.Load(); rc != nil {
		return rc
	}
	return defaultRuntime()
}

func defaultRuntime() *Runtime {
	return &Runtime{
		AllowedOrigins:          Cfg.AllowedOrigins,
		BreakerFailureThreshold: Cfg.BreakerFailureThreshold,
		BreakerCoolDown:         Cfg.BreakerCoolDown,
		HealthCallTimeout:       Cfg.HealthCallTimeout,
		InternalCallTimeout:     Cfg.InternalCallTimeout,
		SessionCallTimeout:      Cfg.SessionCallTimeout,
	}
}

// LoadRuntime rebuilds the runtime snapshot from the settings store. Missing
// or unparseable values keep their environment default and are logged rather
// than failing the reload.
func LoadRuntime(get SettingSource) *Runtime {
	rc := defaultRuntime()

	if v, err := get("allowed_origins"); err == nil && v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		if len(origins) > 0 {
			rc.AllowedOrigins = origins
		}
	}
	if v, err := get("breaker_failure_threshold"); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rc.BreakerFailureThreshold = n
		} else {
			log.Printf("WARNING: invalid breaker_failure_threshold %q, keeping %d", v, rc.BreakerFailureThreshold)
		}
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"breaker_cooldown", &rc.BreakerCoolDown},
		{"health_call_timeout", &rc.HealthCallTimeout},
		{"internal_call_timeout", &rc.InternalCallTimeout},
		{"session_call_timeout", &rc.SessionCallTimeout},
	} {
		v, err := get(d.key)
		if err != nil || v == "" {
			continue
		}
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			*d.dst = parsed
		} else {
			log.Printf("WARNING: invalid %s %q, keeping %s", d.key, v, *d.dst)
		}
	}

	runtime.Store(rc)
	return rc
}
