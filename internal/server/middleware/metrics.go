package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics - метрики HTTP сервера
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewHTTPMetrics registers the server collectors on registry
func NewHTTPMetrics(registry prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(registry)

	return &HTTPMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionguard_server_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionguard_server_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionguard_server_requests_in_flight",
				Help: "HTTP requests currently being served",
			},
		),
	}
}

// Middleware records every request
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		rt := route(r)
		m.requests.WithLabelValues(rt, r.Method, strconv.Itoa(rec.statusCode)).Inc()
		m.duration.WithLabelValues(rt, r.Method).Observe(time.Since(start).Seconds())
	})
}
