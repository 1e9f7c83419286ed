package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	AuthOperations *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_gateway_auth_operations_total",
			Help: "Auth lifecycle operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_gateway_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
	}
}

// ObserveAuth records one lifecycle operation.
func (m *Metrics) ObserveAuth(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AuthOperations.WithLabelValues(operation, outcome).Inc()
}
