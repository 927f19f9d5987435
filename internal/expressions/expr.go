package expressions

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/builtin"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/stepwise/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions: template placeholders, default
// conditions, item sources, map/filter/reduce bodies and script steps.
// Programs are compiled without a typed environment so one cached program
// serves every run regardless of the variable types it meets. A name in the
// environment shadows the expr builtin of the same name (count, len, map...).
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it with
// data as the environment. Unknown names evaluate to nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.getOrCompile(expression, shadowedBuiltins(env))
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile caches per expression and set of shadowed builtins.
func (e *ExprEngine) getOrCompile(expression string, shadowed []string) (*vm.Program, error) {
	key := expression
	if len(shadowed) > 0 {
		key += "\x00" + strings.Join(shadowed, ",")
	}

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	for _, name := range shadowed {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[key] = prg
	return prg, nil
}

// shadowedBuiltins returns, sorted, the builtin names env defines.
func shadowedBuiltins(env map[string]any) []string {
	var names []string
	for name := range env {
		if _, ok := builtin.Index[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

var _ Engine = (*ExprEngine)(nil)
