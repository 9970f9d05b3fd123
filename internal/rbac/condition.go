package rbac

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// conditionEngine compiles and caches CEL predicates. Programs are safe for
// concurrent evaluation once compiled.
type conditionEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newConditionEngine() (*conditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("rbac: create cel environment: %w", err)
	}
	return &conditionEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

// compile validates expr and caches its program.
func (e *conditionEngine) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCondition, expr, issues.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w %q: returns %s, want bool", ErrInvalidCondition, expr, out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCondition, expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// eval runs expr against the subject and target. A nil target is an empty map.
func (e *conditionEngine) eval(expr string, subject map[string]any, target Target) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	resource := map[string]any(target)
	if resource == nil {
		resource = map[string]any{}
	}
	val, _, err := prg.Eval(map[string]any{
		"subject":  subject,
		"resource": resource,
	})
	if err != nil {
		return false, fmt.Errorf("rbac: evaluate %q: %w", expr, err)
	}
	result, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rbac: condition %q returned %T, want bool", expr, val.Value())
	}
	return result, nil
}
