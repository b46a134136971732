package events

import (
	"context"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherPublishesEvents(t *testing.T) {
	eb := NewEventBus()
	rec := &recorder{}
	eb.Subscribe(AllEvents, rec)

	due := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	inst := types.WorkflowInstance{ID: 5, DefinitionName: "High Severity Incident", EntityType: "Incident", EntityID: 77, Status: types.StatusInProgress, DueDate: &due}
	step := types.WorkflowStep{ID: 2, Name: "CISO Review", StepType: types.StepTypeApproval}
	recipients := []types.Identity{{ID: 1, Email: "ciso@example.com"}, {ID: 2}}

	ctx := context.Background()
	d := NewDispatcher(eb, nil)
	require.NoError(t, d.NotifyStepAssigned(ctx, inst, step, recipients))
	require.NoError(t, d.NotifyAutoApproved(ctx, inst, step))
	require.NoError(t, d.NotifyOverdue(ctx, inst, step, recipients[:1]))
	eb.Stop()

	require.Equal(t, []string{EventStepAssigned, EventAutoApproved, EventWorkflowOverdue}, rec.kinds())

	assigned := rec.events[0]
	assert.Equal(t, uint64(5), assigned.InstanceID)
	assert.Equal(t, "High Severity Incident", assigned.Definition)
	assert.Equal(t, "Incident", assigned.EntityType)
	assert.Equal(t, uint64(77), assigned.EntityID)
	assert.Equal(t, types.StatusInProgress, assigned.Status)
	assert.Equal(t, uint64(2), assigned.StepID)
	assert.Equal(t, "CISO Review", assigned.StepName)
	assert.Equal(t, &due, assigned.DueDate)
	assert.Equal(t, []uint64{1, 2}, assigned.RecipientIDs())
	assert.Equal(t, []string{"ciso@example.com"}, assigned.Emails())
	assert.False(t, assigned.OccurredAt.IsZero())

	assert.Empty(t, rec.events[1].Recipients)
	assert.Equal(t, []uint64{1}, rec.events[2].RecipientIDs())
}

func TestDispatcherWithoutSubscribers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	d := NewDispatcher(eb, nil)
	inst := types.WorkflowInstance{ID: 1}
	step := types.WorkflowStep{ID: 1}
	assert.NoError(t, d.NotifyAutoApproved(context.Background(), inst, step))
	assert.NoError(t, d.NotifyOverdue(context.Background(), inst, step, nil))
}

func TestDispatcherClosedBus(t *testing.T) {
	eb := NewEventBus()
	eb.SubscribeFunc(EventWorkflowOverdue, func(ctx context.Context, event Event) error { return nil })
	eb.Stop()

	d := NewDispatcher(eb, nil)
	err := d.NotifyOverdue(context.Background(), types.WorkflowInstance{ID: 1}, types.WorkflowStep{ID: 1}, nil)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestLogHandler(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	due := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	err := LogHandler(zap.New(core)).Handle(context.Background(), Event{
		Type:       EventWorkflowOverdue,
		InstanceID: 11,
		Definition: "Data Breach Notification",
		EntityType: "Incident",
		EntityID:   200,
		StepName:   "DPO Assessment",
		DueDate:    &due,
		Recipients: []types.Identity{{ID: 3}},
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("Workflow event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, EventWorkflowOverdue, fields["event_type"])
	assert.Equal(t, uint64(11), fields["instance_id"])
	assert.Equal(t, "DPO Assessment", fields["step_name"])
	assert.Equal(t, due, fields["due_date"])
}
