// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SimulationsTotal counts trade simulations, partitioned by action.
	SimulationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_simulations_total",
		Help: "Total number of trade simulations executed",
	}, []string{"action"})

	// SimulationLatency tracks simulation latency by action.
	SimulationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_simulation_latency_seconds",
		Help:    "Trade simulation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// UnsafeTradesTotal counts simulations rejected as unsafe, by action.
	UnsafeTradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_unsafe_trades_total",
		Help: "Simulations rejected because the post-trade account was unsafe",
	}, []string{"action"})

	// ValuationsTotal counts sub-account valuations served.
	ValuationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_valuations_total",
		Help: "Total sub-account valuations served",
	})

	// ExposureLimitRejections counts trades rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "margin_exposure_limit_rejections_total",
		Help: "Trades rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		// Resolved after serving so chi has filled in the matched pattern.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
