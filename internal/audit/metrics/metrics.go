package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the audit writer.
type Metrics struct {
	RecordsWritten *prometheus.CounterVec
	AppendFailures prometheus.Counter
}

// New registers and returns audit metrics collectors.
func New() *Metrics {
	return &Metrics{
		RecordsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_audit_records_written_total",
			Help: "Total number of audit records written by outcome",
		}, []string{"outcome"}),
		AppendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_audit_append_failures_total",
			Help: "Total number of failed audit appends, each of which blocked an action",
		}),
	}
}
