package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent(ComponentMonitor, true, "polling")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components[ComponentMonitor]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "polling", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{ComponentClusterAPI: true, ComponentMonitor: true},
			wantStatus: "healthy",
		},
		{
			name:       "monitor unhealthy",
			components: map[string]bool{ComponentClusterAPI: true, ComponentMonitor: false},
			wantStatus: "unhealthy",
		},
		{
			name:       "cluster api failing",
			components: map[string]bool{ComponentClusterAPI: false, ComponentMonitor: true},
			wantStatus: "degraded",
		},
		{
			name:       "both failing",
			components: map[string]bool{ComponentClusterAPI: false, ComponentMonitor: false},
			wantStatus: "unhealthy",
		},
		{
			name:       "nothing registered",
			components: map[string]bool{},
			wantStatus: "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "poll failed")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetHealthVersion(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")

	assert.Equal(t, "1.2.3", GetHealth().Version)
}

func TestGetHealthRollout(t *testing.T) {
	resetHealth()
	assert.Nil(t, GetHealth().Rollout)

	SetRollout("web", types.DeploymentStateThresholdExceeded, 2)

	rollout := GetHealth().Rollout
	require.NotNil(t, rollout)
	assert.Equal(t, "web", rollout.Service)
	assert.Equal(t, types.DeploymentStateThresholdExceeded, rollout.State)
	assert.Equal(t, 2, rollout.FailureTally)
	assert.Equal(t, rollout.State, GetReadiness().Rollout.State)
}

func TestDegradedHealthIsServed(t *testing.T) {
	resetHealth()
	RegisterComponent(ComponentClusterAPI, false, "ThrottlingException")
	RegisterComponent(ComponentMonitor, true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, StatusDegraded, body.Status)
	assert.Equal(t, "unhealthy: ThrottlingException", body.Components[ComponentClusterAPI])
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	RegisterComponent(ComponentClusterAPI, true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Contains(t, readiness.Message, ComponentMonitor)

	RegisterComponent(ComponentMonitor, true, "")
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent(ComponentMonitor, false, "3 consecutive poll failures")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: 3 consecutive poll failures", readiness.Components[ComponentMonitor])
}

func TestHealthHandlers(t *testing.T) {
	resetHealth()
	RegisterComponent(ComponentClusterAPI, true, "")
	RegisterComponent(ComponentMonitor, false, "poll failed")

	tests := []struct {
		path     string
		handler  http.HandlerFunc
		wantCode int
	}{
		{"/health", HealthHandler(), http.StatusServiceUnavailable},
		{"/ready", ReadyHandler(), http.StatusServiceUnavailable},
		{"/live", LivenessHandler(), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.NotEmpty(t, body["status"])
		})
	}
}

func TestServeMux(t *testing.T) {
	resetHealth()
	mux := ServeMux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rollout_deployments_in_flight")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
