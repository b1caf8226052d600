package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for step-up operations.
type Metrics struct {
	ChallengesIssued      prometheus.Counter
	Verifications         *prometheus.CounterVec
	FreshnessChecks       *prometheus.CounterVec
	RecoveryCodesConsumed prometheus.Counter
}

// New registers and returns step-up metrics collectors.
func New() *Metrics {
	return &Metrics{
		ChallengesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_stepup_challenges_issued_total",
			Help: "Total number of step-up challenges issued",
		}),
		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_stepup_verifications_total",
			Help: "Total number of step-up verification attempts by kind and result",
		}, []string{"kind", "result"}),
		FreshnessChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_stepup_freshness_checks_total",
			Help: "Total number of freshness checks by result",
		}, []string{"result"}),
		RecoveryCodesConsumed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_stepup_recovery_codes_consumed_total",
			Help: "Total number of recovery codes consumed",
		}),
	}
}
