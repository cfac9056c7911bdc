package engine

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// Automation evaluates automation step expressions with expr-lang. Compiled
// programs are cached and reused across goroutines.
type Automation struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewAutomation creates an Automation engine.
func NewAutomation() *Automation {
	return &Automation{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or retrieves from cache) an expression and runs it
// against the flow environment.
func (a *Automation) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty automation expression")
	}

	prg, err := a.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"automation evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (a *Automation) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	a.mu.RLock()
	if prg, ok := a.cache[expression]; ok {
		a.mu.RUnlock()
		return prg, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := a.cache[expression]; ok {
		return prg, nil
	}

	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"automation compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	a.cache[expression] = prg
	return prg, nil
}
