// Package metrics содержит Prometheus-метрики клиентского слоя.
// Нулевой указатель *Metrics допустим: все методы в этом случае ничего не делают.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client collectors
type Metrics struct {
	// Token refresh
	RefreshTotal     *prometheus.CounterVec
	RefreshCoalesced prometheus.Counter

	// Submissions
	SubmitAttempts *prometheus.CounterVec
	SubmitOutcomes *prometheus.CounterVec

	// Offline queue
	QueueDepth    prometheus.Gauge
	QueueReplayed *prometheus.CounterVec

	// Connectivity
	ConnectivityOnline prometheus.Gauge
}

// New creates the collectors and registers them on registry
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionguard_refresh_total",
				Help: "Total number of token refresh round trips",
			},
			[]string{"result"},
		),
		RefreshCoalesced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionguard_refresh_coalesced_total",
				Help: "Callers that joined an in-flight refresh instead of starting one",
			},
		),
		SubmitAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionguard_submit_attempts_total",
				Help: "Total number of submission attempts",
			},
			[]string{"kind"},
		),
		SubmitOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionguard_submit_outcomes_total",
				Help: "Final outcomes of submissions",
			},
			[]string{"status"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionguard_queue_depth",
				Help: "Number of submissions waiting in the offline queue",
			},
		),
		QueueReplayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionguard_queue_replayed_total",
				Help: "Replayed queue entries by result",
			},
			[]string{"result"},
		),
		ConnectivityOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionguard_connectivity_online",
				Help: "1 if the client considers itself online",
			},
		),
	}
}

// NewRegistry creates a private registry with client metrics
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, New(reg)
}

// HandlerFor returns an HTTP handler exposing reg
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RefreshDone records a finished refresh round trip
func (m *Metrics) RefreshDone(success bool) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result(success)).Inc()
}

// RefreshJoined records a caller that awaited an in-flight refresh
func (m *Metrics) RefreshJoined() {
	if m == nil {
		return
	}
	m.RefreshCoalesced.Inc()
}

// SubmitAttempt records one call of a submit function
func (m *Metrics) SubmitAttempt(kind string) {
	if m == nil {
		return
	}
	m.SubmitAttempts.WithLabelValues(kind).Inc()
}

// SubmitOutcome records the final status of a submission
func (m *Metrics) SubmitOutcome(status string) {
	if m == nil {
		return
	}
	m.SubmitOutcomes.WithLabelValues(status).Inc()
}

// SetQueueDepth sets the current queue length
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// Replayed records one replayed queue entry
func (m *Metrics) Replayed(success bool) {
	if m == nil {
		return
	}
	m.QueueReplayed.WithLabelValues(result(success)).Inc()
}

// SetOnline sets the connectivity gauge
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.ConnectivityOnline.Set(1)
	} else {
		m.ConnectivityOnline.Set(0)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
