package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/sandgate-io/sandgate/internal/auth"
	"github.com/sandgate-io/sandgate/internal/breaker"
	"github.com/sandgate-io/sandgate/internal/config"
	"github.com/sandgate-io/sandgate/internal/crypto"
	"github.com/sandgate-io/sandgate/internal/database"
	"github.com/sandgate-io/sandgate/internal/gateway"
	"github.com/sandgate-io/sandgate/internal/logutil"
	"github.com/sandgate-io/sandgate/internal/middleware"
	"gorm.io/gorm"
)

const agentTokenSetting = "agent_token"

// plainSettings are returned as-is and written without transformation.
var plainSettings = []string{
	"allowed_origins",
	"breaker_failure_threshold",
	"breaker_cooldown",
	"health_call_timeout",
	"internal_call_timeout",
	"session_call_timeout",
	"compute_backend",
}

// AgentToken returns the decrypted shared agent bearer token, empty when
// none is configured. It authenticates outbound agent calls and is baked
// into new workloads as their expected credential.
func AgentToken() (string, error) {
	enc, err := database.GetSetting(agentTokenSetting)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return crypto.Decrypt(enc)
}

func getAllSettings() map[string]string {
	var settings []database.Setting
	database.DB.Find(&settings)
	result := make(map[string]string)
	for _, s := range settings {
		result[s.Key] = s.Value
	}
	return result
}

// settingsToResponse shapes the settings rows for the API: plain values
// pass through, the agent token is masked, the admin token hash collapses
// to a boolean, and the encryption key never leaves the database.
func settingsToResponse(raw map[string]string) map[string]interface{} {
	result := make(map[string]interface{})
	for _, key := range plainSettings {
		result[key] = raw[key]
	}

	token := ""
	if enc := raw[agentTokenSetting]; enc != "" {
		if decrypted, err := crypto.Decrypt(enc); err == nil {
			token = crypto.Mask(decrypted)
		}
	}
	result[agentTokenSetting] = token
	result["admin_token_set"] = raw[middleware.AdminTokenSetting] != ""

	return result
}

func GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsToResponse(getAllSettings()))
}

func validateSetting(key, value string) *gateway.APIError {
	switch key {
	case "allowed_origins", "agent_token", "admin_token":
		return nil
	case "breaker_failure_threshold":
		if n, err := strconv.Atoi(value); err != nil || n < 1 {
			return gateway.Validation("breaker_failure_threshold must be a positive integer")
		}
	case "breaker_cooldown", "health_call_timeout", "internal_call_timeout", "session_call_timeout":
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return gateway.Validation(key + " must be a positive duration")
		}
	case "compute_backend":
		switch value {
		case "auto", "docker", "kubernetes":
		default:
			return gateway.Validation("compute_backend must be auto, docker or kubernetes")
		}
	default:
		return gateway.Validation("unknown setting " + logutil.SanitizeForLog(key))
	}
	return nil
}

func applySetting(key, value string) error {
	switch key {
	case "agent_token":
		if value == "" {
			return database.SetSetting(agentTokenSetting, "")
		}
		enc, err := crypto.Encrypt(value)
		if err != nil {
			return err
		}
		return database.SetSetting(agentTokenSetting, enc)
	case "admin_token":
		if value == "" {
			return database.SetSetting(middleware.AdminTokenSetting, "")
		}
		hash, err := auth.HashToken(value)
		if err != nil {
			return err
		}
		return database.SetSetting(middleware.AdminTokenSetting, hash)
	default:
		return database.SetSetting(key, value)
	}
}

// UpdateSettings writes settings rows. The snapshot the request paths read
// is not touched; an explicit reload applies the new values.
func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if apiErr := decodeBody(r, &raw); apiErr != nil {
		gateway.WriteError(w, r, apiErr)
		return
	}

	// Validate everything before writing anything, so a bad key cannot
	// leave a half-applied update behind.
	values := make(map[string]string, len(raw))
	for key, val := range raw {
		strVal, ok := val.(string)
		if !ok {
			gateway.WriteError(w, r, gateway.Validation("setting "+logutil.SanitizeForLog(key)+" must be a string"))
			return
		}
		if apiErr := validateSetting(key, strVal); apiErr != nil {
			gateway.WriteError(w, r, apiErr)
			return
		}
		values[key] = strVal
	}

	for key, value := range values {
		if err := applySetting(key, value); err != nil {
			gateway.WriteError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, settingsToResponse(getAllSettings()))
}

// ReloadSettings is the explicit cache invalidation: it rebuilds the
// runtime snapshot from the settings rows and pushes the breaker tuning
// into the registry.
func ReloadSettings(w http.ResponseWriter, r *http.Request) {
	rc := config.LoadRuntime(database.GetSetting)
	Breakers.SetOptions(breaker.Options{
		FailureThreshold: rc.BreakerFailureThreshold,
		CoolDown:         rc.BreakerCoolDown,
	})
	log.Printf("Runtime settings reloaded: origins=%d threshold=%d cooldown=%s",
		len(rc.AllowedOrigins), rc.BreakerFailureThreshold, rc.BreakerCoolDown)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed_origins":           rc.AllowedOrigins,
		"breaker_failure_threshold": rc.BreakerFailureThreshold,
		"breaker_cooldown":          rc.BreakerCoolDown.String(),
		"health_call_timeout":       rc.HealthCallTimeout.String(),
		"internal_call_timeout":     rc.InternalCallTimeout.String(),
		"session_call_timeout":      rc.SessionCallTimeout.String(),
	})
}
