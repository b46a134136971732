package types

import "time"

// Instance statuses
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusCancelled  = "cancelled"
)

// Step types
const (
	StepTypeApproval     = "approval"
	StepTypeNotification = "notification"
)

// History actions
const (
	ActionApproved         = "approved"
	ActionRejected         = "rejected"
	ActionAutoApproved     = "auto_approved"
	ActionNotificationSent = "notification_sent"
)

// Auto-progression condition types
const (
	ConditionFieldCompletion = "field_completion"
	ConditionRiskAppetite    = "risk_appetite"
	ConditionAuto            = "auto"
	ConditionTimeBased       = "time_based"
)

// WorkflowDefinition is an immutable, ordered template of steps for one entity type.
type WorkflowDefinition struct {
	ID          uint64         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	EntityType  string         `json:"entity_type" yaml:"entity_type"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	IsActive    bool           `json:"is_active" yaml:"is_active"`
}

// WorkflowStep is a unit of work within a definition.
type WorkflowStep struct {
	ID              uint64                  `json:"id" yaml:"id"`
	Name            string                  `json:"name" yaml:"name"`
	Description     string                  `json:"description,omitempty" yaml:"description,omitempty"`
	StepType        string                  `json:"step_type" yaml:"step_type"` // "approval" or "notification"
	ApproverRole    string                  `json:"approver_role,omitempty" yaml:"approver_role,omitempty"`
	ApproverUserIDs []uint64                `json:"approver_user_ids,omitempty" yaml:"approver_user_ids,omitempty"`
	DaysToComplete  *int                    `json:"days_to_complete,omitempty" yaml:"days_to_complete,omitempty"`
	AutoProgress    *AutoProgressConditions `json:"auto_progress,omitempty" yaml:"auto_progress,omitempty"`
}

// AutoProgressConditions configures when a step completes without human action.
type AutoProgressConditions struct {
	Type           string   `json:"type" yaml:"type"` // "field_completion", "risk_appetite", "auto", "time_based"
	Entity         string   `json:"entity,omitempty" yaml:"entity,omitempty"`
	Fields         []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Condition      string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Expression     string   `json:"expression,omitempty" yaml:"expression,omitempty"`
	RiskScoreField string   `json:"risk_score_field,omitempty" yaml:"risk_score_field,omitempty"`
	CategoryField  string   `json:"category_field,omitempty" yaml:"category_field,omitempty"`
	Delay          string   `json:"delay,omitempty" yaml:"delay,omitempty"` // e.g. "24 hours"
}

// WorkflowInstance is a single running or terminated execution of a definition.
type WorkflowInstance struct {
	ID               uint64                 `json:"id"`
	DefinitionID     uint64                 `json:"definition_id"`
	DefinitionName   string                 `json:"definition_name"`
	EntityType       string                 `json:"entity_type"`
	EntityID         uint64                 `json:"entity_id"`
	Status           string                 `json:"status"`
	CurrentStepID    uint64                 `json:"current_step_id,omitempty"` // 0 when there is no current step
	CompletedStepIDs []uint64               `json:"completed_step_ids"`
	DueDate          *time.Time             `json:"due_date,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	ApprovalHistory  []ApprovalHistoryEntry `json:"approval_history"`
	Comments         string                 `json:"comments,omitempty"`
	InitiatedBy      *uint64                `json:"initiated_by,omitempty"`
	Version          int64                  `json:"version"`
}

// ApprovalHistoryEntry is an immutable record of one transition.
type ApprovalHistoryEntry struct {
	ID              string    `json:"id"`
	StepID          uint64    `json:"step_id"`
	StepName        string    `json:"step_name"`
	Action          string    `json:"action"`
	ActorID         *uint64   `json:"actor_id,omitempty"` // nil for system actions
	ActorName       string    `json:"actor_name"`
	Comments        string    `json:"comments,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	AutoProgression bool      `json:"auto_progression,omitempty"`
	TriggerEntity   string    `json:"trigger_entity,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Identity is a user that can act on workflow steps.
type Identity struct {
	ID    uint64   `json:"id" yaml:"id"`
	Name  string   `json:"name" yaml:"name"`
	Email string   `json:"email,omitempty" yaml:"email,omitempty"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// HasRole reports whether the identity holds role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RiskAppetite is a tenant-configured maximum acceptable risk score.
// An empty Category marks the tenant's global appetite.
type RiskAppetite struct {
	ID                uint64     `json:"id" yaml:"id"`
	TenantID          string     `json:"tenant_id" yaml:"tenant_id"`
	Name              string     `json:"name" yaml:"name"`
	Category          string     `json:"category,omitempty" yaml:"category,omitempty"`
	MaxAcceptableRisk float64    `json:"max_acceptable_risk" yaml:"max_acceptable_risk"`
	IsActive          bool       `json:"is_active" yaml:"is_active"`
	ValidFrom         time.Time  `json:"valid_from" yaml:"valid_from"`
	ValidTo           *time.Time `json:"valid_to,omitempty" yaml:"valid_to,omitempty"`
}

// IsAcceptable reports whether score is at or below the maximum acceptable risk.
func (a RiskAppetite) IsAcceptable(score float64) bool {
	return score <= a.MaxAcceptableRisk
}

// IsCurrentlyValid reports whether the appetite is active and inside its validity window.
func (a RiskAppetite) IsCurrentlyValid(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.ValidFrom.After(now) {
		return false
	}
	if a.ValidTo != nil && a.ValidTo.Before(now) {
		return false
	}
	return true
}

// Step returns the step with the given ID and its position, or -1 when absent.
func (d WorkflowDefinition) Step(id uint64) (WorkflowStep, int) {
	for i, s := range d.Steps {
		if s.ID == id {
			return s, i
		}
	}
	return WorkflowStep{}, -1
}

// IsTerminal reports whether status is one no transition leaves.
func IsTerminal(status string) bool {
	return status == StatusApproved || status == StatusRejected || status == StatusCancelled
}

// IsActive reports whether the instance still blocks a new one for the same entity.
func (i WorkflowInstance) IsActive() bool {
	return i.Status == StatusPending || i.Status == StatusInProgress
}

// IsStepCompleted reports whether stepID is in the completed set.
func (i WorkflowInstance) IsStepCompleted(stepID uint64) bool {
	for _, id := range i.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (i WorkflowInstance) Clone() WorkflowInstance {
	c := i
	c.CompletedStepIDs = append([]uint64(nil), i.CompletedStepIDs...)
	c.ApprovalHistory = append([]ApprovalHistoryEntry(nil), i.ApprovalHistory...)
	if i.DueDate != nil {
		d := *i.DueDate
		c.DueDate = &d
	}
	if i.CompletedAt != nil {
		d := *i.CompletedAt
		c.CompletedAt = &d
	}
	if i.InitiatedBy != nil {
		v := *i.InitiatedBy
		c.InitiatedBy = &v
	}
	return c
}
