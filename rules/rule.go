package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates a boolean expression against an entity's field values.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr.
//
// Programs are compiled without a typed env so one cached program serves
// every entity type; unknown names resolve to nil at run time. Besides the
// entity fields, expressions may call daysSince(t) and daysUntil(t), which
// measure whole and fractional days between t and the evaluator's clock.
type ExprEvaluator struct {
	programs map[string]*vm.Program
	mu       sync.RWMutex
	now      func() time.Time
}

// EvaluatorOption configures an ExprEvaluator.
type EvaluatorOption func(*ExprEvaluator)

// WithNow replaces time.Now for the date helpers.
func WithNow(now func() time.Time) EvaluatorOption {
	return func(e *ExprEvaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExprEvaluator creates an ExprEvaluator with an empty program cache.
func NewExprEvaluator(opts ...EvaluatorOption) *ExprEvaluator {
	e := &ExprEvaluator{
		programs: make(map[string]*vm.Program),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compile checks that expression parses and caches its program.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression against env. A non-boolean result is an error.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.programs[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression,
		expr.Function("daysSince", e.daysSince),
		expr.Function("daysUntil", e.daysUntil),
	)
	if err != nil {
		return nil, err
	}
	e.programs[expression] = program
	return program, nil
}

func (e *ExprEvaluator) daysSince(params ...interface{}) (interface{}, error) {
	t, err := timeParam("daysSince", params)
	if err != nil {
		return nil, err
	}
	return e.now().Sub(t).Hours() / 24, nil
}

func (e *ExprEvaluator) daysUntil(params ...interface{}) (interface{}, error) {
	t, err := timeParam("daysUntil", params)
	if err != nil {
		return nil, err
	}
	return t.Sub(e.now()).Hours() / 24, nil
}

func timeParam(name string, params []interface{}) (time.Time, error) {
	if len(params) != 1 {
		return time.Time{}, fmt.Errorf("%s expects 1 argument, got %d", name, len(params))
	}
	switch v := params[0].(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v != nil {
			return *v, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: %T is not a time", name, params[0])
}
