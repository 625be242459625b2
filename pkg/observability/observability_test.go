package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthCheck
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"passing", []HealthCheck{{Name: "ping", Check: func(context.Context) error { return nil }}}, HealthStatusHealthy},
		{"non-critical failure", []HealthCheck{{Name: "redis", Check: func(context.Context) error { return errors.New("down") }}}, HealthStatusDegraded},
		{"critical failure", []HealthCheck{
			{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
			{Name: "directory", Critical: true, Check: func(context.Context) error { return errors.New("not built") }},
		}, HealthStatusUnhealthy},
		{"timeout", []HealthCheck{{Name: "slow", Critical: true, Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for _, c := range tt.checks {
				hc.Register(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
		})
	}
}

func TestMount_Routes(t *testing.T) {
	InitMetrics()
	hc := NewHealthChecker()
	hc.Register(HealthCheck{Name: "bad", Critical: true, Check: func(context.Context) error { return errors.New("x") }})

	mux := http.NewServeMux()
	Mount(mux, hc)

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusServiceUnavailable},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.code, rec.Code, tt.path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "bad", body.Checks[0].Name)
	assert.Equal(t, "x", body.Checks[0].Message)
}

func TestRecorders_DoNotPanicUnregistered(t *testing.T) {
	RecordInvocation("storageAgent", "streaming", "ok", time.Second)
	RecordRetry("storageAgent", "buffered")
	RecordEndpointLookup("hit")
	RecordFragment("client", 5)
	RecordHTTPRequest("/invoke", "200")
	RecordDispatch("storageAgent", "buffered", "ok", time.Millisecond)
	done := StreamStarted()
	done()
}
