package expressions

import "encoding/json"

// Scope is the data one template or condition evaluation can see.
//
// Data() flattens it for expr and jq: run variables are top-level names, loop
// bindings in Locals shadow them, and the namespaces variables, inputs, steps
// and run are always present and win over a variable of the same name.
type Scope struct {
	Variables map[string]any
	Inputs    map[string]any
	Steps     map[string]any
	Run       map[string]any
	Locals    map[string]any
}

// Data returns the flattened evaluation environment. The maps are shared, not copied.
func (s *Scope) Data() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	data := make(map[string]any, len(s.Variables)+len(s.Locals)+4)
	for k, v := range s.Variables {
		data[k] = v
	}
	for k, v := range s.Locals {
		data[k] = v
	}
	data["variables"] = orEmpty(s.Variables)
	data["inputs"] = orEmpty(s.Inputs)
	data["steps"] = orEmpty(s.Steps)
	data["run"] = orEmpty(s.Run)
	return data
}

// WithLocals returns a copy of the scope with extra bindings layered on top of
// the existing locals. The receiver is not modified.
func (s *Scope) WithLocals(locals map[string]any) *Scope {
	cp := *s
	merged := make(map[string]any, len(s.Locals)+len(locals))
	for k, v := range s.Locals {
		merged[k] = v
	}
	for k, v := range locals {
		merged[k] = v
	}
	cp.Locals = merged
	return &cp
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// CloneMap deep-copies a map[string]any. Nested maps and slices are copied;
// other values are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = CloneValue(v)
	}
	return cp
}

// CloneValue recursively deep-copies maps, slices and raw JSON.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CloneValue(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
