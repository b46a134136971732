package definition

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/domain"
	"github.com/songzhibin97/approval-engine/fields"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and against the known entity fields.
type Validator struct {
	fields      *fields.Registry
	expressions *rules.ExprEvaluator
}

// NewValidator creates a Validator. A nil registry skips field name checks.
func NewValidator(registry *fields.Registry) *Validator {
	return &Validator{fields: registry, expressions: rules.NewExprEvaluator()}
}

// Validate checks all definitions, including ID uniqueness across them.
func (v *Validator) Validate(defs []types.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[uint64]int)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if first, ok := seen[def.ID]; ok {
			errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE",
				Message: fmt.Sprintf("definition id %d already used by definitions[%d]", def.ID, first)})
		} else {
			seen[def.ID] = i
		}
		errs = append(errs, v.validateDefinition(prefix, def)...)
	}
	return errs
}

func (v *Validator) validateDefinition(prefix string, def types.WorkflowDefinition) []VError {
	var errs []VError

	if def.ID == 0 {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.EntityType == "" {
		errs = append(errs, VError{Path: prefix + ".entity_type", Code: "REQUIRED", Message: "entity_type is required"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	stepIDs := make(map[uint64]bool)
	for i, step := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		switch {
		case step.ID == 0:
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		case stepIDs[step.ID]:
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step id %d is not unique", step.ID)})
		}
		stepIDs[step.ID] = true
		errs = append(errs, v.validateStep(sp, def, step)...)
	}
	return errs
}

func (v *Validator) validateStep(prefix string, def types.WorkflowDefinition, step types.WorkflowStep) []VError {
	var errs []VError

	if step.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
	}
	switch step.StepType {
	case types.StepTypeApproval, types.StepTypeNotification:
	default:
		errs = append(errs, VError{Path: prefix + ".step_type", Code: "INVALID",
			Message: fmt.Sprintf("unknown step type %q", step.StepType)})
	}
	if step.DaysToComplete != nil && *step.DaysToComplete < 0 {
		errs = append(errs, VError{Path: prefix + ".days_to_complete", Code: "INVALID", Message: "days_to_complete cannot be negative"})
	}

	c := step.AutoProgress
	if c == nil {
		return errs
	}
	cp := prefix + ".auto_progress"
	entityType := def.EntityType

	switch c.Type {
	case types.ConditionFieldCompletion:
		if c.Entity != "" && c.Entity != def.EntityType {
			errs = append(errs, VError{Path: cp + ".entity", Code: "MISMATCH",
				Message: fmt.Sprintf("entity %q does not match definition entity type %q", c.Entity, def.EntityType)})
		}
		if len(c.Fields) == 0 {
			errs = append(errs, VError{Path: cp + ".fields", Code: "REQUIRED", Message: "field_completion needs at least one field"})
		}
		for i, name := range c.Fields {
			errs = append(errs, v.checkField(fmt.Sprintf("%s.fields[%d]", cp, i), entityType, name)...)
		}
	case types.ConditionRiskAppetite:
		if def.EntityType != domain.TypeRisk {
			errs = append(errs, VError{Path: cp + ".type", Code: "MISMATCH",
				Message: fmt.Sprintf("risk_appetite only applies to %s definitions, not %q", domain.TypeRisk, def.EntityType)})
		}
		if c.Entity != "" && c.Entity != def.EntityType {
			errs = append(errs, VError{Path: cp + ".entity", Code: "MISMATCH",
				Message: fmt.Sprintf("entity %q does not match definition entity type %q", c.Entity, def.EntityType)})
		}
		if c.RiskScoreField != "" {
			errs = append(errs, v.checkField(cp+".risk_score_field", entityType, c.RiskScoreField)...)
		}
		if c.CategoryField != "" {
			errs = append(errs, v.checkField(cp+".category_field", entityType, c.CategoryField)...)
		}
	case types.ConditionAuto:
	case types.ConditionTimeBased:
		if _, err := workflow.ParseDelay(c.Delay); err != nil {
			errs = append(errs, VError{Path: cp + ".delay", Code: "INVALID", Message: err.Error()})
		}
	default:
		errs = append(errs, VError{Path: cp + ".type", Code: "INVALID",
			Message: fmt.Sprintf("unknown condition type %q", c.Type)})
	}

	if c.Condition != "" {
		parsed, err := rules.Parse(c.Condition)
		if err != nil {
			errs = append(errs, VError{Path: cp + ".condition", Code: "INVALID", Message: err.Error()})
		} else {
			for _, name := range conditionFields(parsed) {
				errs = append(errs, v.checkField(cp+".condition", entityType, name)...)
			}
		}
	}
	if c.Expression != "" {
		if err := v.expressions.Compile(c.Expression); err != nil {
			errs = append(errs, VError{Path: cp + ".expression", Code: "INVALID", Message: err.Error()})
		}
	}
	return errs
}

func (v *Validator) checkField(path, entityType, name string) []VError {
	if v.fields == nil || v.fields.Has(entityType, name) {
		return nil
	}
	return []VError{{Path: path, Code: "UNKNOWN_FIELD",
		Message: fmt.Sprintf("%s has no field %q", entityType, name)}}
}

// conditionFields lists the field names a parsed condition compares.
func conditionFields(e rules.Expr) []string {
	switch t := e.(type) {
	case rules.Comparison:
		return []string{t.Field}
	case rules.And:
		return termFields(t.Terms)
	case rules.Or:
		return termFields(t.Terms)
	}
	return nil
}

func termFields(terms []rules.Expr) []string {
	var out []string
	for _, term := range terms {
		out = append(out, conditionFields(term)...)
	}
	return out
}
