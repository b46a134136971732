// Package trigger decides which entity saves start workflows and drives the
// engine from save hooks.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-engine/domain"
	"github.com/songzhibin97/approval-engine/fields"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
	"go.uber.org/zap"
)

// Escalation levels of an incident.
const (
	LevelDataBreach = "data_breach"
	LevelCritical   = "critical"
	LevelHigh       = "high"
	LevelMedium     = "medium"
	LevelLow        = "low"
)

// BreachNotificationHours is the GDPR Art. 33 window, counted from detection,
// for notifying the supervisory authority of a personal-data breach.
const BreachNotificationHours = 72

// incidentWorkflows maps escalation levels to definition names. Low severity
// incidents are handled without an approval workflow.
var incidentWorkflows = map[string]string{
	LevelDataBreach: "Data Breach Notification",
	LevelCritical:   "Critical Incident Response",
	LevelHigh:       "High Severity Incident",
	LevelMedium:     "Medium Severity Incident",
}

var approvalDocumentCategories = map[string]bool{
	"policy":    true,
	"procedure": true,
	"guideline": true,
}

// ChangeSet maps changed field names to their new values. An empty change set
// means the entity was just created.
type ChangeSet map[string]interface{}

// Has reports whether field changed.
func (c ChangeSet) Has(field string) bool {
	_, ok := c[field]
	return ok
}

// ShouldTrigger reports whether saving entity with changes should start a workflow.
// Risk acceptance is requested explicitly and never triggers from a save.
func ShouldTrigger(entity fields.Entity, changes ChangeSet) bool {
	switch e := entity.(type) {
	case *domain.Incident:
		return len(changes) == 0 || changes.Has("severity") || changes.Has("dataBreachOccurred")
	case *domain.RiskTreatmentPlan:
		return e.Status == "planned"
	case *domain.Document:
		return approvalDocumentCategories[e.Category]
	default:
		return false
	}
}

// EscalationLevel classifies an incident. A data breach outranks any severity.
func EscalationLevel(incident *domain.Incident) string {
	if incident.DataBreachOccurred {
		return LevelDataBreach
	}
	switch incident.Severity {
	case LevelCritical, LevelHigh, LevelMedium:
		return incident.Severity
	default:
		return LevelLow
	}
}

// BreachDeadline returns when a breach must be reported, or nil when the
// incident is no breach or its detection time is unknown.
func BreachDeadline(incident *domain.Incident) *time.Time {
	if incident == nil || !incident.DataBreachOccurred || incident.DetectedAt == nil {
		return nil
	}
	deadline := incident.DetectedAt.Add(BreachNotificationHours * time.Hour)
	return &deadline
}

// RequiresImmediateEscalation reports whether the incident is a breach or critical.
func RequiresImmediateEscalation(incident *domain.Incident) bool {
	return incident.DataBreachOccurred || incident.Severity == LevelCritical
}

// Workflow summarizes a workflow that applies to an entity.
type Workflow struct {
	Type          string `json:"type"`
	Trigger       string `json:"trigger"`
	Description   string `json:"description"`
	Compliance    string `json:"compliance"`
	DeadlineHours int    `json:"deadline_hours,omitempty"`
}

// ApplicableWorkflows lists the workflows that entity is subject to.
func ApplicableWorkflows(entity fields.Entity) []Workflow {
	var out []Workflow
	switch e := entity.(type) {
	case *domain.Incident:
		out = append(out, Workflow{
			Type:        "incident_escalation",
			Trigger:     "automatic",
			Description: "Automatic escalation based on severity",
			Compliance:  "ISO 27001:2022 Clause 8.3.2",
		})
		if e.DataBreachOccurred {
			out = append(out, Workflow{
				Type:          "gdpr_breach_notification",
				Trigger:       "automatic",
				Description:   "GDPR 72h breach notification workflow",
				Compliance:    "GDPR Art. 33",
				DeadlineHours: BreachNotificationHours,
			})
		}
	case *domain.RiskTreatmentPlan:
		if e.Status == "planned" {
			out = append(out, Workflow{
				Type:        "treatment_plan_approval",
				Trigger:     "automatic",
				Description: "Multi-level approval for treatment plan",
				Compliance:  "ISO 27005:2022 Clause 8.5.7",
			})
		}
	case *domain.Document:
		if approvalDocumentCategories[e.Category] {
			out = append(out, Workflow{
				Type:        "document_approval",
				Trigger:     "automatic",
				Description: "Policy/Procedure approval workflow",
				Compliance:  "ISO 27001:2022 Clause 5.2.3",
			})
		}
	}
	return out
}

// Engine is the part of the workflow engine the dispatcher drives.
type Engine interface {
	StartWorkflow(ctx context.Context, entityType string, entityID uint64, definitionName string, initiator *types.Identity) (*types.WorkflowInstance, error)
	CheckAndProgress(ctx context.Context, entity fields.Entity, actor *types.Identity) (bool, error)
	GetActiveInstance(ctx context.Context, entityType string, entityID uint64) (*types.WorkflowInstance, error)
	ActiveStep(ctx context.Context, inst *types.WorkflowInstance) (types.WorkflowStep, bool, error)
}

// Dispatcher reacts to entity saves.
type Dispatcher struct {
	engine Engine
	logger *zap.Logger
	now    func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock replaces time.Now for overdue and deadline reporting.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(engine Engine, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{engine: engine, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// definitionName picks the workflow to start, or reports false when none applies.
func definitionName(entity fields.Entity) (string, bool) {
	if incident, ok := entity.(*domain.Incident); ok {
		name, ok := incidentWorkflows[EscalationLevel(incident)]
		return name, ok
	}
	return "", true
}

// OnSaved starts the applicable workflow for a saved entity and then checks
// auto-progression. Failures are logged and never reach the caller's save.
func (d *Dispatcher) OnSaved(ctx context.Context, entity fields.Entity, changes ChangeSet, actor *types.Identity) {
	if entity == nil {
		return
	}
	log := d.logger.With(
		zap.String("entity_type", entity.EntityType()),
		zap.Uint64("entity_id", entity.EntityID()))

	if ShouldTrigger(entity, changes) {
		if name, ok := definitionName(entity); ok {
			inst, err := d.engine.StartWorkflow(ctx, entity.EntityType(), entity.EntityID(), name, actor)
			switch {
			case err != nil:
				log.Error("Failed to start workflow", zap.String("definition", name), zap.Error(err))
			case inst == nil:
				log.Debug("No workflow definition for entity", zap.String("definition", name))
			default:
				log.Info("Workflow triggered",
					zap.Uint64("instance_id", inst.ID),
					zap.String("definition", inst.DefinitionName),
					zap.String("status", inst.Status))
			}
		}
	}

	if _, err := d.engine.CheckAndProgress(ctx, entity, actor); err != nil {
		log.Error("Auto-progression check failed", zap.Error(err))
	}
}

// Status reports the escalation workflow of an incident.
type Status struct {
	Active         bool       `json:"has_active_workflow"`
	Level          string     `json:"escalation_level,omitempty"`
	InstanceID     uint64     `json:"instance_id,omitempty"`
	Definition     string     `json:"definition,omitempty"`
	WorkflowStatus string     `json:"workflow_status,omitempty"`
	CurrentStep    string     `json:"current_step,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	Overdue        bool       `json:"is_overdue"`
	BreachDeadline *time.Time `json:"breach_deadline,omitempty"`
	BreachOverdue  bool       `json:"breach_overdue"`
}

// EscalationStatus describes the incident's active workflow, if any. The
// breach deadline is reported even when no workflow is running.
func (d *Dispatcher) EscalationStatus(ctx context.Context, incident *domain.Incident) (Status, error) {
	if incident == nil {
		return Status{}, nil
	}
	now := d.now()
	var st Status
	if deadline := BreachDeadline(incident); deadline != nil {
		st.BreachDeadline = deadline
		st.BreachOverdue = deadline.Before(now)
	}

	inst, err := d.engine.GetActiveInstance(ctx, domain.TypeIncident, incident.ID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to get escalation workflow: %w", err)
	}
	if inst == nil {
		return st, nil
	}

	st.Active = true
	st.Level = EscalationLevel(incident)
	st.InstanceID = inst.ID
	st.Definition = inst.DefinitionName
	st.WorkflowStatus = inst.Status
	st.DueDate = inst.DueDate
	st.Overdue = workflow.IsOverdue(*inst, now)

	step, ok, err := d.engine.ActiveStep(ctx, inst)
	if err != nil {
		return Status{}, fmt.Errorf("failed to get current step: %w", err)
	}
	if ok {
		st.CurrentStep = step.Name
	}
	return st, nil
}
