package observability

import (
	"net/http"
)

// Mount registers the health and metrics routes on mux.
func Mount(mux *http.ServeMux, hc *HealthChecker) {
	mux.HandleFunc("GET /health", hc.HealthHandler())
	mux.HandleFunc("GET /health/live", LivenessHandler())
	mux.HandleFunc("GET /health/ready", hc.ReadinessHandler())
	mux.Handle("GET /metrics", MetricsHandler())
}
