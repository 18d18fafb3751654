package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/rollout/pkg/types"
)

// Health and readiness states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Components reported by the rollout process
const (
	ComponentClusterAPI = "cluster_api"
	ComponentMonitor    = "monitor"
)

// CriticalComponents must be registered and healthy for the process to be ready
var CriticalComponents = []string{ComponentClusterAPI, ComponentMonitor}

// HealthStatus is the body served by /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Rollout    *RolloutStatus    `json:"rollout,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// RolloutStatus is the last known progress of the deployment being monitored
type RolloutStatus struct {
	Service      string                `json:"service"`
	State        types.DeploymentState `json:"state"`
	FailureTally int                   `json:"failure_tally"`
	Updated      time.Time             `json:"updated"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker holds component health and rollout progress for the HTTP probes
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	rollout    *RolloutStatus
	startTime  time.Time
	version    string
}

var healthChecker = newHealthChecker()

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent registers a component for health checking
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent updates the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// SetRollout records the progress of the deployment being monitored
func SetRollout(service string, state types.DeploymentState, tally int) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.rollout = &RolloutStatus{
		Service:      service,
		State:        state,
		FailureTally: tally,
		Updated:      time.Now(),
	}
}

// GetHealth returns the overall health status. A failing monitor makes the
// process unhealthy; a failing cluster API alone degrades it.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(healthChecker.components))

	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + comp.Message
		if name == ComponentClusterAPI && status == StatusHealthy {
			status = StatusDegraded
		} else if name != ComponentClusterAPI {
			status = StatusUnhealthy
		}
	}

	return healthChecker.status(status, components, "")
}

// GetReadiness reports whether every critical component is registered and healthy
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := StatusReady
	message := ""
	components := make(map[string]string, len(CriticalComponents))

	for _, name := range CriticalComponents {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			status = StatusNotReady
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = StatusNotReady
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = StatusReady
		}
	}

	return healthChecker.status(status, components, message)
}

// status must be called with h.mu held
func (h *HealthChecker) status(status string, components map[string]string, message string) HealthStatus {
	var rollout *RolloutStatus
	if h.rollout != nil {
		r := *h.rollout
		rollout = &r
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Rollout:    rollout,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler returns 200 while the process is running
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
