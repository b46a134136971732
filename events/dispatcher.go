package events

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
	"go.uber.org/zap"
)

var _ workflow.Notifier = (*Dispatcher)(nil)

// Dispatcher turns engine notifications into events on an EventBus.
// Delivery (email, push) is up to the subscribed handlers.
type Dispatcher struct {
	bus    *EventBus
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher publishing to bus.
func NewDispatcher(bus *EventBus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{bus: bus, logger: logger}
}

// NotifyStepAssigned publishes a step_assigned event.
func (d *Dispatcher) NotifyStepAssigned(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep, recipients []types.Identity) error {
	return d.publish(ctx, newEvent(EventStepAssigned, inst, step, recipients))
}

// NotifyAutoApproved publishes an auto_approved event.
func (d *Dispatcher) NotifyAutoApproved(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep) error {
	return d.publish(ctx, newEvent(EventAutoApproved, inst, step, nil))
}

// NotifyOverdue publishes a workflow_overdue event.
func (d *Dispatcher) NotifyOverdue(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep, recipients []types.Identity) error {
	return d.publish(ctx, newEvent(EventWorkflowOverdue, inst, step, recipients))
}

// publish treats an event nobody listens to as delivered.
func (d *Dispatcher) publish(ctx context.Context, event Event) error {
	err := d.bus.Publish(ctx, event)
	if errors.Is(err, ErrNoHandler) {
		d.logger.Debug("No handler for event", zap.String("event_type", event.Type))
		return nil
	}
	return err
}

func newEvent(eventType string, inst types.WorkflowInstance, step types.WorkflowStep, recipients []types.Identity) Event {
	return Event{
		Type:       eventType,
		InstanceID: inst.ID,
		Definition: inst.DefinitionName,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Status:     inst.Status,
		StepID:     step.ID,
		StepName:   step.Name,
		DueDate:    inst.DueDate,
		Recipients: recipients,
	}
}

// LogHandler returns a handler that writes every event to logger.
func LogHandler(logger *zap.Logger) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, event Event) error {
		fields := []zap.Field{
			zap.String("event_type", event.Type),
			zap.Uint64("instance_id", event.InstanceID),
			zap.String("definition", event.Definition),
			zap.String("entity_type", event.EntityType),
			zap.Uint64("entity_id", event.EntityID),
			zap.String("step_name", event.StepName),
			zap.Uint64s("recipient_ids", event.RecipientIDs()),
		}
		if event.DueDate != nil {
			fields = append(fields, zap.Time("due_date", *event.DueDate))
		}
		logger.Info("Workflow event", fields...)
		return nil
	})
}
