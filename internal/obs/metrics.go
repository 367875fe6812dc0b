package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all endpoints.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ready",
		Help: "1 when the gateway is ready to serve, 0 otherwise.",
	})
)

// Gate decision metrics. Labels stay low-cardinality: kinds and decisions
// are closed sets, user identity is never a label.
var (
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by the per-user rate limiter.",
	})

	permissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_permission_decisions_total",
			Help: "Permission pipeline decisions by outcome.",
		},
		[]string{"decision"},
	)

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Currently registered live sessions.",
	})
)

// Init registers all gateway metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		authAttempts, rateLimited, permissionDecisions, activeSessions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// CountAuthAttempt records one authentication attempt. outcome is
// "success" or "failure".
func CountAuthAttempt(outcome string) {
	authAttempts.WithLabelValues(outcome).Inc()
}

// CountRateLimited records one rate-limited request.
func CountRateLimited() {
	rateLimited.Inc()
}

// CountPermissionDecision records one pipeline decision ("allow", "deny",
// "confirm").
func CountPermissionDecision(decision string) {
	permissionDecisions.WithLabelValues(decision).Inc()
}

// SetActiveSessions updates the live session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource ids so metric label cardinality stays
// bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/sessions/<id> and /v1/actions/confirm/<id>
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "sessions" && parts[3] != "" {
		return "/v1/sessions/:id"
	}
	if len(parts) == 5 && parts[1] == "v1" && parts[2] == "actions" && parts[3] == "confirm" && parts[4] != "" {
		return "/v1/actions/confirm/:id"
	}
	return path
}

// statusWriter captures the response code for metrics and logging.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
