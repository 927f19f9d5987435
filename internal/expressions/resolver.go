package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"

	celPrefix = "cel:"
	jqPrefix  = "jq:"
)

// Resolver expands {{ expr }} placeholders and evaluates conditions.
// It owns one engine per dialect and is safe for concurrent use.
type Resolver struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewResolver wires the three expression engines.
func NewResolver() (*Resolver, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}, nil
}

// JQ exposes the jq engine for transforms.
func (r *Resolver) JQ() *GoJQEngine { return r.jq }

// Resolve expands placeholders recursively through strings, slices and maps.
// The input is never mutated; containers are rebuilt.
func (r *Resolver) Resolve(ctx context.Context, value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return r.ResolveString(ctx, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap is Resolve for a map of step inputs.
func (r *Resolver) ResolveMap(ctx context.Context, in map[string]any, scope *Scope) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	out, err := r.Resolve(ctx, in, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// ResolveString expands the placeholders of one string. A string that is a
// single placeholder yields the raw value (keeping its type); otherwise each
// value is rendered inline.
func (r *Resolver) ResolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	if !strings.Contains(s, openDelim) {
		return s, nil
	}

	if inner, ok := wholePlaceholder(s); ok {
		return r.Evaluate(ctx, inner, scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	data := scope.Data()
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openDelim)
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + len(openDelim)

		end := strings.Index(s[start:], closeDelim)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed %s in %q", openDelim, s)
		}
		end += start

		expression := strings.TrimSpace(s[start:end])
		if expression == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "empty placeholder in %q", s)
		}
		val, err := r.expr.Evaluate(ctx, expression, data)
		if err != nil {
			return nil, err
		}
		b.WriteString(renderInline(val))
		i = end + len(closeDelim)
	}
	return b.String(), nil
}

// Evaluate runs a bare expression (surrounding {{ }} optional) with expr and
// returns its value.
func (r *Resolver) Evaluate(ctx context.Context, expression string, scope *Scope) (any, error) {
	expression = stripDelims(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty expression")
	}
	return r.expr.Evaluate(ctx, expression, scope.Data())
}

// ResolveCondition evaluates a boolean gate. "cel:" selects CEL, "jq:" selects
// jq over the flattened scope; anything else is an expr expression. Non-bool
// results are coerced by truthiness.
func (r *Resolver) ResolveCondition(ctx context.Context, condition string, scope *Scope) (bool, error) {
	condition = stripDelims(condition)
	var (
		val any
		err error
	)
	switch {
	case strings.HasPrefix(condition, celPrefix):
		val, err = r.cel.EvaluateScope(ctx, strings.TrimSpace(strings.TrimPrefix(condition, celPrefix)), scope)
	case strings.HasPrefix(condition, jqPrefix):
		val, err = r.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(condition, jqPrefix)), scope.Data())
	case condition == "":
		return false, schema.NewError(schema.ErrCodeValidation, "empty condition")
	default:
		val, err = r.expr.Evaluate(ctx, condition, scope.Data())
	}
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}

// ResolveConditions reports whether every condition holds. An empty list holds.
func (r *Resolver) ResolveConditions(ctx context.Context, conditions []string, scope *Scope) (bool, error) {
	for _, c := range conditions {
		ok, err := r.ResolveCondition(ctx, c, scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Truthy applies loose truthiness: nil, false, zero numbers, "", "false",
// "0" and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		return s != "" && s != "false" && s != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	return true
}

// wholePlaceholder reports whether s is exactly one {{ ... }} placeholder.
func wholePlaceholder(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, openDelim) || !strings.HasSuffix(t, closeDelim) {
		return "", false
	}
	inner := t[len(openDelim) : len(t)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func stripDelims(s string) string {
	if inner, ok := wholePlaceholder(s); ok {
		return inner
	}
	return strings.TrimSpace(s)
}

func renderInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
