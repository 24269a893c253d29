// Package telemetry holds the Prometheus counters and OpenTelemetry instruments
// recorded by channel endpoints.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors shared by all endpoints of a process.
type Metrics struct {
	// Transactions counts completed transactions by role.
	Transactions *prometheus.CounterVec
	// Failures counts failed operations by role and error kind.
	Failures *prometheus.CounterVec
	// Bytes counts payload bytes handed over by role.
	Bytes *prometheus.CounterVec
	// Notifications counts data-available notifications raised by consumers.
	Notifications prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of completed channel transactions.",
		}, []string{"role"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of failed channel operations.",
		}, []string{"role", "kind"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Total number of payload bytes handed over.",
		}, []string{"role"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of data-available notifications.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Transactions, m.Failures, m.Bytes, m.Notifications} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
