package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/taskdeck/taskdeck/internal/domain/session"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports process health for the /health endpoint.
type HealthChecker struct {
	registry *session.Registry
	version  string
}

// NewHealthChecker creates a HealthChecker backed by the session registry.
func NewHealthChecker(registry *session.Registry, version string) *HealthChecker {
	return &HealthChecker{
		registry: registry,
		version:  version,
	}
}

// Check performs health checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)

	// Len acquires the registry lock - if this hangs, we have a problem.
	checks["sessions"] = fmt.Sprintf("%d", h.registry.Len())
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{
		Status:  "healthy",
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(health)
	})
}
