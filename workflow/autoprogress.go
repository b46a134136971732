package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/approval-engine/domain"
	"github.com/songzhibin97/approval-engine/fields"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const defaultRiskScoreField = "residualRisk"

var delayPattern = regexp.MustCompile(`(?i)^(\d+)\s+(minute|minutes|hour|hours|day|days)$`)

// ParseDelay parses durations such as "30 minutes", "24 hours" or "2 days".
func ParseDelay(s string) (time.Duration, error) {
	m := delayPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(n) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

func autoApprovalComment(c *types.AutoProgressConditions) string {
	if c == nil {
		return "Step automatically approved"
	}
	switch c.Type {
	case types.ConditionFieldCompletion:
		return "Step automatically approved based on field completion"
	case types.ConditionRiskAppetite:
		return "Step automatically approved: risk within appetite"
	case types.ConditionTimeBased:
		return fmt.Sprintf("Step automatically approved after %s", c.Delay)
	default:
		return "Step automatically approved"
	}
}

// CheckAndProgress auto-approves the entity's current step while its
// conditions hold. It reports whether any step was auto-approved.
func (e *Engine) CheckAndProgress(ctx context.Context, entity fields.Entity, actor *types.Identity) (bool, error) {
	if entity == nil {
		return false, nil
	}
	inst, err := e.GetActiveInstance(ctx, entity.EntityType(), entity.EntityID())
	if err != nil || inst == nil {
		return false, err
	}
	return e.progress(ctx, inst, actor, &progressCheck{entity: entity})
}

func (e *Engine) progress(ctx context.Context, inst *types.WorkflowInstance, actor *types.Identity, p *progressCheck) (bool, error) {
	def, step, idx, ok, err := e.currentStep(ctx, inst)
	if err != nil || !ok {
		return false, err
	}
	if !e.qualifies(ctx, *inst, step, p) {
		return false, nil
	}

	t := e.begin(*inst, def)
	e.autoApprove(t, step, actor, p.entity)
	e.advance(ctx, t, idx+1, actor, p)

	if err := e.commit(ctx, inst, t); err != nil {
		return false, err
	}
	e.logger.Info("Workflow auto-progressed",
		zap.Uint64("instance_id", inst.ID),
		zap.Uint64("step_id", step.ID),
		zap.String("status", inst.Status))
	return true, nil
}

// ProcessTimed auto-approves in-progress steps whose time_based delay has
// elapsed and returns how many instances moved. The initiator is recorded as
// the actor when the directory still knows them, otherwise the system is.
func (e *Engine) ProcessTimed(ctx context.Context) (int, error) {
	insts, err := e.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, inst := range insts {
		inst := inst
		p := &progressCheck{timedOnly: true}
		if e.loadEntity != nil {
			entity, err := e.loadEntity(ctx, inst.EntityType, inst.EntityID)
			if err != nil {
				e.logger.Warn("Could not load entity for timed workflow",
					zap.Uint64("instance_id", inst.ID),
					zap.String("entity_type", inst.EntityType),
					zap.Uint64("entity_id", inst.EntityID),
					zap.Error(err))
				continue
			}
			p.entity = entity
		}

		ok, err := e.progress(ctx, &inst, e.initiator(ctx, inst), p)
		if err != nil {
			if IsRetryable(err) {
				e.logger.Info("Timed progression lost a concurrent write, skipping",
					zap.Uint64("instance_id", inst.ID))
				continue
			}
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// initiator looks up the user who started inst, or nil.
func (e *Engine) initiator(ctx context.Context, inst types.WorkflowInstance) *types.Identity {
	if inst.InitiatedBy == nil {
		return nil
	}
	users, err := e.users.FindUsersByIDs(ctx, []uint64{*inst.InitiatedBy})
	if err != nil {
		e.logger.Warn("Initiator lookup failed",
			zap.Uint64("instance_id", inst.ID),
			zap.Uint64("user_id", *inst.InitiatedBy),
			zap.Error(err))
		return nil
	}
	if len(users) == 0 {
		return nil
	}
	return &users[0]
}

// qualifies reports whether the step's auto-progress conditions hold. Any
// lookup or parse failure is logged and treated as not qualifying.
func (e *Engine) qualifies(ctx context.Context, inst types.WorkflowInstance, step types.WorkflowStep, p *progressCheck) bool {
	c := step.AutoProgress
	if c == nil || p == nil {
		return false
	}
	if p.timedOnly && c.Type != types.ConditionTimeBased {
		return false
	}

	var ok bool
	switch c.Type {
	case types.ConditionFieldCompletion:
		ok = e.fieldsComplete(inst, c, p.entity)
	case types.ConditionRiskAppetite:
		ok = e.withinAppetite(ctx, inst, c, p.entity)
	case types.ConditionAuto:
		ok = c.Condition == "" || e.conditionHolds(inst, c.Condition, p.entity)
	case types.ConditionTimeBased:
		ok = e.delayElapsed(inst, c)
		if ok && c.Condition != "" {
			ok = e.conditionHolds(inst, c.Condition, p.entity)
		}
	default:
		e.logger.Warn("Unknown auto-progress condition type",
			zap.Uint64("instance_id", inst.ID),
			zap.Uint64("step_id", step.ID),
			zap.String("type", c.Type))
		return false
	}

	if ok && c.Expression != "" {
		ok = e.expressionHolds(inst, c.Expression, p.entity)
	}
	return ok
}

func (e *Engine) fieldsComplete(inst types.WorkflowInstance, c *types.AutoProgressConditions, entity fields.Entity) bool {
	if entity == nil || (c.Entity != "" && c.Entity != entity.EntityType()) {
		return false
	}
	for _, name := range c.Fields {
		v, err := e.fields.Get(entity, name)
		if err != nil {
			e.logger.Warn("Auto-progress field lookup failed",
				zap.Uint64("instance_id", inst.ID),
				zap.String("field", name),
				zap.Error(err))
			return false
		}
		if fields.IsEmpty(v) {
			return false
		}
	}
	if c.Condition != "" {
		return e.conditionHolds(inst, c.Condition, entity)
	}
	return true
}

func (e *Engine) withinAppetite(ctx context.Context, inst types.WorkflowInstance, c *types.AutoProgressConditions, entity fields.Entity) bool {
	if entity == nil || entity.EntityType() != domain.TypeRisk || e.appetites == nil {
		return false
	}
	if c.Entity != "" && c.Entity != entity.EntityType() {
		return false
	}
	scoreField := c.RiskScoreField
	if scoreField == "" {
		scoreField = defaultRiskScoreField
	}
	raw, err := e.fields.Get(entity, scoreField)
	if err != nil || raw == nil {
		return false
	}
	score, err := cast.ToFloat64E(raw)
	if err != nil {
		e.logger.Warn("Risk score is not numeric",
			zap.Uint64("instance_id", inst.ID),
			zap.String("field", scoreField),
			zap.Error(err))
		return false
	}

	tenantRaw, err := e.fields.Get(entity, "tenant")
	if err != nil {
		return false
	}
	tenant := cast.ToString(tenantRaw)
	if tenant == "" {
		e.logger.Debug("Risk has no tenant, not auto-approving",
			zap.Uint64("instance_id", inst.ID))
		return false
	}

	category := ""
	if c.CategoryField != "" {
		if v, err := e.fields.Get(entity, c.CategoryField); err == nil {
			category = cast.ToString(v)
		}
	}

	appetite, found, err := e.findAppetite(ctx, tenant, category)
	if err != nil {
		e.logger.Warn("Risk appetite lookup failed",
			zap.Uint64("instance_id", inst.ID),
			zap.String("tenant", tenant),
			zap.Error(err))
		return false
	}
	if !found {
		e.logger.Debug("No risk appetite configured, not auto-approving",
			zap.Uint64("instance_id", inst.ID),
			zap.String("tenant", tenant),
			zap.String("category", category))
		return false
	}
	return appetite.IsAcceptable(score)
}

// findAppetite prefers the category appetite and falls back to the tenant-wide one.
func (e *Engine) findAppetite(ctx context.Context, tenant, category string) (types.RiskAppetite, bool, error) {
	if category != "" {
		a, found, err := e.appetites.ActiveAppetite(ctx, tenant, category)
		if err != nil || found {
			return a, found, err
		}
	}
	return e.appetites.ActiveAppetite(ctx, tenant, "")
}

func (e *Engine) conditionHolds(inst types.WorkflowInstance, condition string, entity fields.Entity) bool {
	if entity == nil {
		return false
	}
	ok, err := e.conditions.Evaluate(condition, e.fields.Lookup(entity))
	if err != nil {
		e.logger.Warn("Auto-progress condition failed",
			zap.Uint64("instance_id", inst.ID),
			zap.String("condition", condition),
			zap.Error(err))
		return false
	}
	return ok
}

func (e *Engine) expressionHolds(inst types.WorkflowInstance, expression string, entity fields.Entity) bool {
	if entity == nil {
		return false
	}
	env, err := e.fields.Values(entity)
	if err != nil {
		e.logger.Warn("Could not read entity fields",
			zap.Uint64("instance_id", inst.ID),
			zap.Error(err))
		return false
	}
	ok, err := e.evaluator.Evaluate(expression, env)
	if err != nil {
		e.logger.Warn("Auto-progress expression failed",
			zap.Uint64("instance_id", inst.ID),
			zap.String("expression", expression),
			zap.Error(err))
		return false
	}
	return ok
}

func (e *Engine) delayElapsed(inst types.WorkflowInstance, c *types.AutoProgressConditions) bool {
	delay, err := ParseDelay(c.Delay)
	if err != nil {
		e.logger.Warn("Invalid time_based delay",
			zap.Uint64("instance_id", inst.ID),
			zap.Error(err))
		return false
	}
	return !e.now().Before(stepStartedAt(inst).Add(delay))
}

// stepStartedAt is when the current step became current: the last history
// entry, or the instance start when nothing has happened yet.
func stepStartedAt(inst types.WorkflowInstance) time.Time {
	if n := len(inst.ApprovalHistory); n > 0 {
		return inst.ApprovalHistory[n-1].Timestamp
	}
	return inst.StartedAt
}
