package workflow

import (
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// DueDate returns now plus daysToComplete days, or nil when the step has no SLA.
func DueDate(now time.Time, daysToComplete *int) *time.Time {
	if daysToComplete == nil {
		return nil
	}
	due := now.AddDate(0, 0, *daysToComplete)
	return &due
}

// IsOverdue reports whether a non-terminal instance is past its due date.
func IsOverdue(inst types.WorkflowInstance, now time.Time) bool {
	if types.IsTerminal(inst.Status) || inst.DueDate == nil {
		return false
	}
	return inst.DueDate.Before(now)
}
