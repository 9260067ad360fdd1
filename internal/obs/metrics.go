package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Доменные метрики провижининга
var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_decisions_total",
			Help: "Assignment policy decisions by effect.",
		},
		[]string{"effect"},
	)

	requestsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_requests_resolved_total",
			Help: "Resolved agent requests by outcome.",
		},
		[]string{"outcome"},
	)

	grantUsageTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grant_usage_total",
		Help: "Successful grant usage recordings.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		decisionsTotal, requestsResolvedTotal, grantUsageTotal,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady toggles the readiness gauge exported alongside /readyz.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CountDecision records an assignment policy decision.
func CountDecision(effect string) {
	decisionsTotal.WithLabelValues(effect).Inc()
}

// CountResolution records the outcome of a resolved agent request.
func CountResolution(outcome string) {
	requestsResolvedTotal.WithLabelValues(outcome).Inc()
}

// CountGrantUsage records one successful usage increment.
func CountGrantUsage() {
	grantUsageTotal.Inc()
}

// CanonicalPath collapses resource ids so that metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "requests":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "grants":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "subjects":
		parts[2] = ":id"
	default:
		return path
	}
	return "/" + strings.Join(parts, "/")
}

// Обёртка для измерения RPS/latency/в полёте.
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

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush preserves http.Flusher for wrapped handlers (e.g. SSE).
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
