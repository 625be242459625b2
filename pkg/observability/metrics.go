package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Caller-side invocation metrics
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_invocations_total",
			Help: "Total number of agent invocations issued by this process",
		},
		[]string{"agent", "mode", "status"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_invocation_duration_seconds",
			Help:    "Agent invocation duration in seconds, including endpoint resolution and signing",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent", "mode"},
	)

	invocationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_invocation_retries_total",
			Help: "Total number of retried invocation attempts",
		},
		[]string{"agent", "mode"},
	)

	endpointLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_endpoint_lookups_total",
			Help: "Endpoint cache results (hit, miss, error)",
		},
		[]string{"result"},
	)

	// Streaming metrics, recorded on both ends of a stream
	streamFragments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_stream_fragments_total",
			Help: "Total number of streamed text fragments",
		},
		[]string{"side"},
	)

	streamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_stream_bytes_total",
			Help: "Total number of streamed bytes",
		},
		[]string{"side"},
	)

	// Backend metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of backend HTTP requests",
		},
		[]string{"path", "status"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_dispatch_total",
			Help: "Total number of dispatches to agent targets",
		},
		[]string{"agent", "mode", "status"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_dispatch_duration_seconds",
			Help:    "Agent dispatch duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent", "mode"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_active_streams",
			Help: "Number of streaming responses currently being written",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the bridge metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			invocationsTotal,
			invocationDuration,
			invocationRetries,
			endpointLookups,
			streamFragments,
			streamBytes,
			httpRequestsTotal,
			dispatchTotal,
			dispatchDuration,
			activeStreams,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordInvocation records one caller-side invocation.
func RecordInvocation(agent, mode, status string, duration time.Duration) {
	invocationsTotal.WithLabelValues(agent, mode, status).Inc()
	invocationDuration.WithLabelValues(agent, mode).Observe(duration.Seconds())
}

// RecordRetry records a retried attempt.
func RecordRetry(agent, mode string) {
	invocationRetries.WithLabelValues(agent, mode).Inc()
}

// RecordEndpointLookup records an endpoint cache result.
func RecordEndpointLookup(result string) {
	endpointLookups.WithLabelValues(result).Inc()
}

// RecordFragment records one streamed fragment. side is "client" or "server".
func RecordFragment(side string, size int) {
	streamFragments.WithLabelValues(side).Inc()
	streamBytes.WithLabelValues(side).Add(float64(size))
}

// RecordHTTPRequest records a backend HTTP request.
func RecordHTTPRequest(path, status string) {
	httpRequestsTotal.WithLabelValues(path, status).Inc()
}

// RecordDispatch records one dispatch to an agent target.
func RecordDispatch(agent, mode, status string, duration time.Duration) {
	dispatchTotal.WithLabelValues(agent, mode, status).Inc()
	dispatchDuration.WithLabelValues(agent, mode).Observe(duration.Seconds())
}

// StreamStarted increments the active stream gauge and returns its decrement.
func StreamStarted() func() {
	activeStreams.Inc()
	return activeStreams.Dec
}
