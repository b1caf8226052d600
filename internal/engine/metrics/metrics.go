package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the authorization pipeline.
type Metrics struct {
	Decisions         *prometheus.CounterVec
	ApplyFailures     prometheus.Counter
	AuthorizeDuration *prometheus.HistogramVec
}

// New registers and returns pipeline metrics collectors.
func New() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_engine_decisions_total",
			Help: "Total number of pipeline decisions by action type and outcome",
		}, []string{"action_type", "outcome"}),
		ApplyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_engine_apply_failures_total",
			Help: "Total number of mutations that failed after being audited as allowed",
		}),
		AuthorizeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bastion_engine_authorize_duration_seconds",
			Help:    "Wall time of Authorize calls by action type",
			Buckets: prometheus.DefBuckets,
		}, []string{"action_type"}),
	}
}
