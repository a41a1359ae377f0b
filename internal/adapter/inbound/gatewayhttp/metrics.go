package gatewayhttp

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's Prometheus instrumentation, grounded on
// the teacher's internal/adapter/inbound/http.Metrics shape.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RateLimitRejections *prometheus.CounterVec
}

// NewMetrics creates and registers the dispatcher's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metamcp_gateway",
				Name:      "requests_total",
				Help:      "Total number of dispatcher requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metamcp_gateway",
				Name:      "request_duration_seconds",
				Help:      "Dispatcher request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RateLimitRejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metamcp_gateway",
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by ambient rate limiting",
			},
			[]string{"scope"}, // scope=ip|principal
		),
	}
}

// middleware wraps next to record request count/duration, skipping the
// ambient /metrics path itself (matching the teacher's MetricsMiddleware).
func (m *Metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(r.Method, statusLabel(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE/Streamable-HTTP GET streams keep working through the
// metrics middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
