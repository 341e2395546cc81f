// Package metrics exposes Prometheus counters for lifecycle activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry
// so tests can instantiate them independently.
type Metrics struct {
	registry *prometheus.Registry

	Transitions        *prometheus.CounterVec
	Conflicts          *prometheus.CounterVec
	QuorumResolutions  *prometheus.CounterVec
	CertificatesIssued prometheus.Counter
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carboncredit",
			Name:      "state_transitions_total",
			Help:      "Credit state transitions by resulting state.",
		}, []string{"state"}),
		Conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carboncredit",
			Name:      "conflicts_total",
			Help:      "Operations rejected with a retryable conflict.",
		}, []string{"operation"}),
		QuorumResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carboncredit",
			Name:      "quorum_resolutions_total",
			Help:      "Audit and expiry rounds resolved, by outcome.",
		}, []string{"round", "outcome"}),
		CertificatesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "carboncredit",
			Name:      "certificates_issued_total",
			Help:      "Certificates written to the blob store.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
