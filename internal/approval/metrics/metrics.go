package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the approval workflow.
type Metrics struct {
	RequestsCreated *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	DecideConflicts prometheus.Counter
}

// New registers and returns approval metrics collectors.
func New() *Metrics {
	return &Metrics{
		RequestsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_approval_requests_created_total",
			Help: "Total number of approval requests created by action type",
		}, []string{"action_type"}),
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_approval_decisions_total",
			Help: "Total number of approval decisions by outcome",
		}, []string{"outcome"}),
		DecideConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_approval_decide_conflicts_total",
			Help: "Total number of decide attempts that lost to an earlier decision",
		}),
	}
}
