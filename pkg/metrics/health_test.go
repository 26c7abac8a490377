package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{"warehouse": true, "transport": true},
			want:       StatusHealthy,
		},
		{
			name:       "non-critical failure degrades",
			components: map[string]bool{"warehouse": true, "tracker": false},
			want:       StatusDegraded,
		},
		{
			name:       "critical failure is unhealthy",
			components: map[string]bool{"warehouse": false, "tracker": false},
			want:       StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHealth()
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "boom")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetHealthComponentMessage(t *testing.T) {
	ResetHealth()
	SetVersion("1.2.3")
	UpdateComponent("transport", false, "redis unreachable")

	health := GetHealth()
	assert.Equal(t, "unhealthy: redis unreachable", health.Components["transport"])
	assert.Equal(t, "1.2.3", health.Version)
}

func TestGetReadiness(t *testing.T) {
	t.Run("missing critical component", func(t *testing.T) {
		ResetHealth()
		UpdateComponent("warehouse", true, "")

		readiness := GetReadiness()
		assert.Equal(t, StatusNotReady, readiness.Status)
		assert.Equal(t, "not registered", readiness.Components["transport"])
	})

	t.Run("unhealthy critical component", func(t *testing.T) {
		ResetHealth()
		UpdateComponent("warehouse", true, "")
		UpdateComponent("transport", false, "connecting")
		UpdateComponent("api", true, "")

		readiness := GetReadiness()
		assert.Equal(t, StatusNotReady, readiness.Status)
		assert.Equal(t, "waiting for transport", readiness.Message)
	})

	t.Run("custom critical set", func(t *testing.T) {
		ResetHealth()
		SetCriticalComponents("warehouse")
		UpdateComponent("warehouse", true, "")

		assert.Equal(t, StatusReady, GetReadiness().Status)
	})
}

func TestHandlers(t *testing.T) {
	ResetHealth()
	UpdateComponent("warehouse", true, "")
	UpdateComponent("transport", true, "")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    int
		status  string
	}{
		{"health", HealthHandler(), http.StatusOK, StatusHealthy},
		{"ready without api", ReadyHandler(), http.StatusServiceUnavailable, StatusNotReady},
		{"live", LivenessHandler(), http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}
