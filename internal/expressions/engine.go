package expressions

import "context"

// Engine evaluates expressions against a data map.
// Three implementations: Expr (templates and default conditions), CEL (cel: conditions),
// GoJQ (jq: conditions and JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
