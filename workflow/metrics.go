package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	StartsTotal      *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	CompletionsTotal *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter
	OverdueNotified  prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"entity_type", "definition"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflow_transitions_total",
			Help: "Total number of history entries appended, by action.",
		}, []string{"definition", "action"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_workflow_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"definition", "status"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_workflow_conflicts_total",
			Help: "Total number of writes rejected by optimistic locking.",
		}),
		OverdueNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_workflow_overdue_notifications_total",
			Help: "Total number of overdue notifications dispatched.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StartsTotal,
			m.TransitionsTotal,
			m.CompletionsTotal,
			m.ConflictsTotal,
			m.OverdueNotified,
		)
	}
	return m
}
