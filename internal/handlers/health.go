package handlers

import (
	"net/http"

	"github.com/sandgate-io/sandgate/internal/compute"
	"github.com/sandgate-io/sandgate/internal/database"
)

// HealthCheck reports the gateway's own dependencies: database, compute
// backend, and the breaker registry snapshot. Sessions remain readable
// without a compute backend, so only a dead database makes the endpoint
// answer 503.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	computeStatus := "disconnected"
	computeBackend := "none"
	if provider := compute.Get(); provider != nil {
		computeStatus = "connected"
		computeBackend = provider.BackendName()
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if computeStatus != "connected" {
		status = "degraded"
	}
	if dbStatus != "connected" {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"compute":         computeStatus,
		"compute_backend": computeBackend,
		"breakers":        Breakers.Snapshot(),
	})
}
