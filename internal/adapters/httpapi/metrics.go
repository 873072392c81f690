package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the registry passed to NewMetrics so tests can
// use a private one.
type Metrics struct {
	Verifications   *prometheus.CounterVec
	AdminOperations *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keyauth",
				Name:      "verifications_total",
				Help:      "Verification attempts by outcome",
			},
			[]string{"status"},
		),
		AdminOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keyauth",
				Name:      "admin_operations_total",
				Help:      "Administrative operations by result",
			},
			[]string{"operation", "result"},
		),
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keyauth",
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "keyauth",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) admin(operation string, found bool) {
	result := "ok"
	if !found {
		result = "not_found"
	}
	m.AdminOperations.WithLabelValues(operation, result).Inc()
}
