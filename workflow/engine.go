package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/approval-engine/approver"
	"github.com/songzhibin97/approval-engine/domain"
	"github.com/songzhibin97/approval-engine/fields"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

// Standard error definitions
var (
	ErrNilInstance = errors.New("instance cannot be nil")
	ErrStepMissing = errors.New("current step not found in definition")
)

const systemActorName = "System"

// Notifier is informed of step assignment, auto-approval and overdue events.
// Errors are logged by the engine and never undo a transition.
type Notifier interface {
	NotifyStepAssigned(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep, recipients []types.Identity) error
	NotifyAutoApproved(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep) error
	NotifyOverdue(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep, recipients []types.Identity) error
}

// AppetiteSource resolves a tenant's active risk appetite. An empty category
// selects the tenant-wide appetite.
type AppetiteSource interface {
	ActiveAppetite(ctx context.Context, tenantID, category string) (types.RiskAppetite, bool, error)
}

// EntityLoader fetches a watched entity for the timed sweep.
type EntityLoader func(ctx context.Context, entityType string, entityID uint64) (fields.Entity, error)

// Engine drives approval workflows over watched entities.
type Engine struct {
	store       storage.Storage
	generate    generator.Generator
	users       approver.UserDirectory
	resolver    *approver.Resolver
	appetites   AppetiteSource
	fields      *fields.Registry
	conditions  *rules.Compiler
	evaluator   rules.Evaluator
	notifier    Notifier
	metrics     *Metrics
	loadEntity  EntityLoader
	logger      *zap.Logger
	now         func() time.Time
	definitions map[uint64]types.WorkflowDefinition
	mu          sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAppetites sets the risk appetite source used by risk_appetite conditions.
func WithAppetites(a AppetiteSource) Option {
	return func(e *Engine) { e.appetites = a }
}

// WithFields replaces the entity field registry. The default covers the domain entities.
func WithFields(r *fields.Registry) Option {
	return func(e *Engine) { e.fields = r }
}

// WithEvaluator replaces the evaluator for the expression key of conditions.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithEntityLoader lets ProcessTimed evaluate conditions that need the entity.
func WithEntityLoader(l EntityLoader) Option {
	return func(e *Engine) { e.loadEntity = l }
}

// NewEngine creates an Engine. The generator supplies instance IDs and users
// backs approver resolution.
func NewEngine(generate generator.Generator, store storage.Storage, users approver.UserDirectory, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if users == nil {
		return nil, errors.New("user directory is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:       store,
		generate:    generate,
		users:       users,
		resolver:    approver.NewResolver(users),
		fields:      domain.NewRegistry(),
		conditions:  rules.NewCompiler(),
		logger:      zap.NewNop(),
		now:         time.Now,
		definitions: make(map[uint64]types.WorkflowDefinition),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewExprEvaluator(rules.WithNow(e.now))
	}
	return e, nil
}

// definition retrieves a definition by ID, checking cache first then storage.
func (e *Engine) definition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	e.mu.RLock()
	def, ok := e.definitions[id]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return def, nil
}

// notice is a notification deferred until the transition is stored. It keeps
// the instance status and due date as they were when the step was reached.
type notice struct {
	kind       string
	step       types.WorkflowStep
	recipients []types.Identity
	status     string
	dueDate    *time.Time
}

func newNotice(kind string, inst types.WorkflowInstance, step types.WorkflowStep, recipients []types.Identity) notice {
	n := notice{kind: kind, step: step, recipients: recipients, status: inst.Status}
	if inst.DueDate != nil {
		due := *inst.DueDate
		n.dueDate = &due
	}
	return n
}

const (
	noticeAssigned     = "assigned"
	noticeAutoApproved = "auto_approved"
)

// transition is a working copy of an instance plus the side effects to run after commit.
type transition struct {
	inst    types.WorkflowInstance
	def     types.WorkflowDefinition
	notices []notice
	actions []string
}

func (e *Engine) begin(inst types.WorkflowInstance, def types.WorkflowDefinition) *transition {
	return &transition{inst: inst.Clone(), def: def}
}

func (t *transition) record(entry types.ApprovalHistoryEntry) {
	t.inst.ApprovalHistory = append(t.inst.ApprovalHistory, entry)
	t.actions = append(t.actions, entry.Action)
}

func (t *transition) completeStep(stepID uint64) {
	if !t.inst.IsStepCompleted(stepID) {
		t.inst.CompletedStepIDs = append(t.inst.CompletedStepIDs, stepID)
	}
}

func (e *Engine) entry(step types.WorkflowStep, action string, actor *types.Identity) types.ApprovalHistoryEntry {
	entry := types.ApprovalHistoryEntry{
		ID:        uuid.NewString(),
		StepID:    step.ID,
		StepName:  step.Name,
		Action:    action,
		ActorName: systemActorName,
		Timestamp: e.now(),
	}
	if actor != nil {
		id := actor.ID
		entry.ActorID = &id
		entry.ActorName = actor.Name
	}
	return entry
}

// terminate moves the working copy into a terminal status.
func (e *Engine) terminate(t *transition, status, comments string) {
	now := e.now()
	t.inst.Status = status
	t.inst.CurrentStepID = 0
	t.inst.DueDate = nil
	t.inst.CompletedAt = &now
	if comments != "" {
		t.inst.Comments = comments
	}
}

// commit stores the working copy and, on success, copies it into inst and
// dispatches the deferred notifications.
func (e *Engine) commit(ctx context.Context, inst *types.WorkflowInstance, t *transition) error {
	if err := e.store.UpdateInstance(ctx, t.inst); err != nil {
		if IsRetryable(err) && e.metrics != nil {
			e.metrics.ConflictsTotal.Inc()
		}
		return fmt.Errorf("failed to save instance %d: %w", t.inst.ID, err)
	}
	t.inst.Version++
	*inst = t.inst.Clone()
	e.afterCommit(ctx, t)
	return nil
}

func (e *Engine) afterCommit(ctx context.Context, t *transition) {
	if e.metrics != nil {
		for _, action := range t.actions {
			e.metrics.TransitionsTotal.WithLabelValues(t.def.Name, action).Inc()
		}
		if types.IsTerminal(t.inst.Status) {
			e.metrics.CompletionsTotal.WithLabelValues(t.def.Name, t.inst.Status).Inc()
		}
	}
	if e.notifier == nil {
		return
	}
	for _, n := range t.notices {
		snapshot := t.inst.Clone()
		snapshot.Status = n.status
		snapshot.CurrentStepID = n.step.ID
		snapshot.DueDate = n.dueDate
		var err error
		switch n.kind {
		case noticeAssigned:
			err = e.notifier.NotifyStepAssigned(ctx, snapshot, n.step, n.recipients)
		case noticeAutoApproved:
			err = e.notifier.NotifyAutoApproved(ctx, snapshot, n.step)
		}
		if err != nil {
			e.logger.Warn("Notification failed",
				zap.Uint64("instance_id", snapshot.ID),
				zap.Uint64("step_id", n.step.ID),
				zap.String("kind", n.kind),
				zap.Error(err))
		}
	}
}

// approvers resolves the step's approvers, logging instead of failing.
func (e *Engine) approvers(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep) []types.Identity {
	recipients, err := e.resolver.Resolve(ctx, step)
	if err != nil {
		e.logger.Warn("Approver resolution failed",
			zap.Uint64("instance_id", inst.ID),
			zap.Uint64("step_id", step.ID),
			zap.Error(err))
		return nil
	}
	if len(recipients) == 0 {
		e.logger.Warn("No approver resolved for step",
			zap.Uint64("instance_id", inst.ID),
			zap.Uint64("step_id", step.ID),
			zap.String("step", step.Name),
			zap.String("approver_role", step.ApproverRole))
	}
	return recipients
}

// progressCheck carries what auto-progression checks may look at while advancing.
type progressCheck struct {
	entity    fields.Entity
	timedOnly bool
}

// advance makes the step at idx current and keeps moving while steps complete
// on their own. A nil check stops at the first approval step.
func (e *Engine) advance(ctx context.Context, t *transition, idx int, actor *types.Identity, p *progressCheck) {
	steps := t.def.Steps
	limit := len(steps) + 1

	for i := 0; ; i++ {
		if i >= limit {
			e.logger.Warn("Progression stopped at iteration limit, definition may be misconfigured",
				zap.Uint64("instance_id", t.inst.ID),
				zap.Uint64("definition_id", t.def.ID),
				zap.Int("limit", limit))
			return
		}
		if idx >= len(steps) {
			e.terminate(t, types.StatusApproved, "")
			return
		}

		step := steps[idx]
		t.inst.Status = types.StatusInProgress
		t.inst.CurrentStepID = step.ID
		t.inst.DueDate = DueDate(e.now(), step.DaysToComplete)
		if recipients := e.approvers(ctx, t.inst, step); len(recipients) > 0 {
			t.notices = append(t.notices, newNotice(noticeAssigned, t.inst, step, recipients))
		}

		if step.StepType == types.StepTypeNotification {
			entry := e.entry(step, types.ActionNotificationSent, nil)
			entry.Comments = "Notification step automatically processed"
			t.record(entry)
			t.completeStep(step.ID)
			idx++
			continue
		}

		if p == nil || !e.qualifies(ctx, t.inst, step, p) {
			return
		}
		e.autoApprove(t, step, actor, p.entity)
		idx++
	}
}

func (e *Engine) autoApprove(t *transition, step types.WorkflowStep, actor *types.Identity, entity fields.Entity) {
	entry := e.entry(step, types.ActionAutoApproved, actor)
	entry.AutoProgression = true
	entry.Comments = autoApprovalComment(step.AutoProgress)
	if entity != nil {
		entry.TriggerEntity = fmt.Sprintf("%s#%d", entity.EntityType(), entity.EntityID())
	}
	t.record(entry)
	t.completeStep(step.ID)
	t.notices = append(t.notices, newNotice(noticeAutoApproved, t.inst, step, nil))
}

// StartWorkflow starts the matching workflow for an entity. An active instance
// for the entity is returned unchanged. A nil instance with a nil error means
// no active definition applies.
func (e *Engine) StartWorkflow(ctx context.Context, entityType string, entityID uint64, definitionName string, initiator *types.Identity) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	existing, err := e.GetActiveInstance(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	def, err := e.store.FindActiveDefinition(ctx, entityType, definitionName)
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		e.logger.Info("No active workflow definition",
			zap.String("entity_type", entityType),
			zap.Uint64("entity_id", entityID),
			zap.String("definition", definitionName))
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to find definition: %w", err)
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	inst := types.WorkflowInstance{
		ID:               id,
		DefinitionID:     def.ID,
		DefinitionName:   def.Name,
		EntityType:       entityType,
		EntityID:         entityID,
		Status:           types.StatusPending,
		CompletedStepIDs: []uint64{},
		StartedAt:        e.now(),
		ApprovalHistory:  []types.ApprovalHistoryEntry{},
	}
	if initiator != nil {
		by := initiator.ID
		inst.InitiatedBy = &by
	}

	t := e.begin(inst, def)
	e.advance(ctx, t, 0, initiator, nil)

	if err := e.store.CreateInstance(ctx, t.inst); err != nil {
		if errors.Is(err, storage.ErrActiveInstanceExists) {
			winner, getErr := e.GetActiveInstance(ctx, entityType, entityID)
			if getErr != nil {
				return nil, getErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	e.logger.Info("Workflow started",
		zap.Uint64("instance_id", t.inst.ID),
		zap.String("definition", def.Name),
		zap.String("entity_type", entityType),
		zap.Uint64("entity_id", entityID))
	if e.metrics != nil {
		e.metrics.StartsTotal.WithLabelValues(entityType, def.Name).Inc()
	}
	e.afterCommit(ctx, t)

	out := t.inst.Clone()
	return &out, nil
}

// currentStep validates that inst can take a human transition and returns its
// definition, current step and step position.
func (e *Engine) currentStep(ctx context.Context, inst *types.WorkflowInstance) (types.WorkflowDefinition, types.WorkflowStep, int, bool, error) {
	if inst.Status != types.StatusInProgress || inst.CurrentStepID == 0 {
		return types.WorkflowDefinition{}, types.WorkflowStep{}, -1, false, nil
	}
	def, err := e.definition(ctx, inst.DefinitionID)
	if err != nil {
		return types.WorkflowDefinition{}, types.WorkflowStep{}, -1, false, err
	}
	step, idx := def.Step(inst.CurrentStepID)
	if idx < 0 {
		e.logger.Warn("Current step missing from definition",
			zap.Uint64("instance_id", inst.ID),
			zap.Uint64("step_id", inst.CurrentStepID),
			zap.Error(ErrStepMissing))
		return def, step, idx, false, nil
	}
	return def, step, idx, true, nil
}

// ActiveStep returns the step inst is waiting on, or false when it waits on none.
func (e *Engine) ActiveStep(ctx context.Context, inst *types.WorkflowInstance) (types.WorkflowStep, bool, error) {
	if inst == nil {
		return types.WorkflowStep{}, false, ErrNilInstance
	}
	_, step, _, ok, err := e.currentStep(ctx, inst)
	return step, ok, err
}

// Approve completes the current step on behalf of actor and advances the instance.
func (e *Engine) Approve(ctx context.Context, inst *types.WorkflowInstance, actor *types.Identity, comments string) (Outcome, error) {
	if inst == nil {
		return OutcomeError, ErrNilInstance
	}
	def, step, idx, ok, err := e.currentStep(ctx, inst)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		return OutcomeInvalidTransition, nil
	}
	if !approver.CanApprove(actor, step) {
		return OutcomeUnauthorized, nil
	}

	t := e.begin(*inst, def)
	entry := e.entry(step, types.ActionApproved, actor)
	entry.Comments = comments
	t.record(entry)
	t.completeStep(step.ID)
	e.advance(ctx, t, idx+1, actor, nil)

	if err := e.commit(ctx, inst, t); err != nil {
		return OutcomeError, err
	}
	return OutcomeApplied, nil
}

// ApproveStep is Approve reduced to whether the approval was applied.
func (e *Engine) ApproveStep(ctx context.Context, inst *types.WorkflowInstance, actor *types.Identity, comments string) (bool, error) {
	outcome, err := e.Approve(ctx, inst, actor, comments)
	return outcome == OutcomeApplied, err
}

// Reject rejects the current step and terminates the instance.
func (e *Engine) Reject(ctx context.Context, inst *types.WorkflowInstance, actor *types.Identity, reason string) (Outcome, error) {
	if inst == nil {
		return OutcomeError, ErrNilInstance
	}
	def, step, _, ok, err := e.currentStep(ctx, inst)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		return OutcomeInvalidTransition, nil
	}
	if !approver.CanApprove(actor, step) {
		return OutcomeUnauthorized, nil
	}

	t := e.begin(*inst, def)
	entry := e.entry(step, types.ActionRejected, actor)
	entry.Comments = reason
	entry.Reason = reason
	t.record(entry)
	e.terminate(t, types.StatusRejected, reason)

	if err := e.commit(ctx, inst, t); err != nil {
		return OutcomeError, err
	}
	return OutcomeApplied, nil
}

// RejectStep is Reject reduced to whether the rejection was applied.
func (e *Engine) RejectStep(ctx context.Context, inst *types.WorkflowInstance, actor *types.Identity, reason string) (bool, error) {
	outcome, err := e.Reject(ctx, inst, actor, reason)
	return outcome == OutcomeApplied, err
}

// Cancel terminates a non-terminal instance. Terminal instances are left untouched.
func (e *Engine) Cancel(ctx context.Context, inst *types.WorkflowInstance, reason string) error {
	if inst == nil {
		return ErrNilInstance
	}
	if types.IsTerminal(inst.Status) {
		return nil
	}
	def, err := e.definition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	t := e.begin(*inst, def)
	e.terminate(t, types.StatusCancelled, reason)
	return e.commit(ctx, inst, t)
}

// GetActiveInstance returns the entity's pending or in-progress instance, or nil.
func (e *Engine) GetActiveInstance(ctx context.Context, entityType string, entityID uint64) (*types.WorkflowInstance, error) {
	inst, err := e.store.FindActiveInstance(ctx, entityType, entityID)
	if errors.Is(err, storage.ErrInstanceNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to find active instance: %w", err)
	}
	return &inst, nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (*types.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// ListActive returns every pending or in-progress instance.
func (e *Engine) ListActive(ctx context.Context) ([]types.WorkflowInstance, error) {
	insts, err := e.store.ListActiveInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	return insts, nil
}

// ListOverdue returns the non-terminal instances whose due date has passed.
func (e *Engine) ListOverdue(ctx context.Context) ([]types.WorkflowInstance, error) {
	insts, err := e.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var overdue []types.WorkflowInstance
	for _, inst := range insts {
		if IsOverdue(inst, now) {
			overdue = append(overdue, inst)
		}
	}
	return overdue, nil
}

// PendingApprovals returns the in-progress instances whose current step actor may act on.
func (e *Engine) PendingApprovals(ctx context.Context, actor *types.Identity) ([]types.WorkflowInstance, error) {
	if actor == nil {
		return nil, nil
	}
	insts, err := e.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var pending []types.WorkflowInstance
	for _, inst := range insts {
		inst := inst
		_, step, _, ok, err := e.currentStep(ctx, &inst)
		if err != nil {
			return nil, err
		}
		if ok && approver.CanApprove(actor, step) {
			pending = append(pending, inst)
		}
	}
	return pending, nil
}

// NotifyOverdue informs the current approvers of every overdue instance and
// returns how many notifications were sent.
func (e *Engine) NotifyOverdue(ctx context.Context) (int, error) {
	overdue, err := e.ListOverdue(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, inst := range overdue {
		inst := inst
		_, step, _, ok, err := e.currentStep(ctx, &inst)
		if err != nil {
			return sent, err
		}
		if !ok || e.notifier == nil {
			continue
		}
		recipients := e.approvers(ctx, inst, step)
		if len(recipients) == 0 {
			continue
		}
		if err := e.notifier.NotifyOverdue(ctx, inst, step, recipients); err != nil {
			e.logger.Warn("Overdue notification failed",
				zap.Uint64("instance_id", inst.ID),
				zap.Uint64("step_id", step.ID),
				zap.Error(err))
			continue
		}
		sent++
		if e.metrics != nil {
			e.metrics.OverdueNotified.Inc()
		}
	}
	return sent, nil
}
