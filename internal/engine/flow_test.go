package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func setStep(id, output string, inputs map[string]any) *schema.Step {
	s := actionStep(id, "core.set", inputs)
	s.OutputVariable = output
	return s
}

func TestFlow_If(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:             "check",
		Type:           schema.StepTypeIf,
		Condition:      "inputs.n > 1",
		Then:           []*schema.Step{setStep("big", "size", map[string]any{"v": "big"})},
		Else:           []*schema.Step{setStep("small", "size", map[string]any{"v": "small"})},
		OutputVariable: "decision",
	}

	res := te.run(newWorkflow(step), map[string]any{"n": 5})
	require.Equal(t, schema.RunStatusCompleted, res.Status)
	out := res.Output.(map[string]any)
	assert.Equal(t, map[string]any{"v": "big"}, out["size"])
	assert.Equal(t, map[string]any{"condition": true, "branch": "then", "output": map[string]any{"v": "big"}}, out["decision"])

	res = te.run(newWorkflow(step), map[string]any{"n": 0})
	out = res.Output.(map[string]any)
	assert.Equal(t, map[string]any{"v": "small"}, out["size"])
}

func TestFlow_IfWithEmptyElse(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{ID: "check", Type: schema.StepTypeIf, Condition: "false", Then: []*schema.Step{setStep("x", "x", nil)}}

	res := te.run(newWorkflow(step), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, map[string]any{"condition": false, "branch": "else", "output": nil}, res.Steps[0].Output)
}

func TestFlow_Switch(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:         "route",
		Type:       schema.StepTypeSwitch,
		Expression: "inputs.kind",
		Cases: map[string][]*schema.Step{
			"invoice": {setStep("inv", "handled", map[string]any{"by": "billing"})},
			"ticket":  {setStep("tic", "handled", map[string]any{"by": "support"})},
		},
		Default: []*schema.Step{setStep("def", "handled", map[string]any{"by": "triage"})},
	}

	res := te.run(newWorkflow(step), map[string]any{"kind": "ticket"})
	assert.Equal(t, map[string]any{"by": "support"}, res.Output.(map[string]any)["handled"])
	assert.Equal(t, "ticket", res.Steps[0].Output.(map[string]any)["case"])

	res = te.run(newWorkflow(step), map[string]any{"kind": "spam"})
	assert.Equal(t, map[string]any{"by": "triage"}, res.Output.(map[string]any)["handled"])
	assert.Equal(t, "default", res.Steps[0].Output.(map[string]any)["case"])
}

func TestFlow_SwitchNoMatchNoDefault(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:         "route",
		Type:       schema.StepTypeSwitch,
		Expression: "{{ inputs.code }}",
		Cases:      map[string][]*schema.Step{"1": {setStep("one", "one", nil)}},
	}

	res := te.run(newWorkflow(step), map[string]any{"code": 2})

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, map[string]any{"value": 2, "case": nil}, res.Steps[0].Output)
}

func TestFlow_ForEach(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:    "loop",
		Type:  schema.StepTypeForEach,
		Items: "inputs.names",
		Steps: []*schema.Step{
			setStep("greet", "last", map[string]any{"text": "hi {{ item }}", "i": "{{ index }}"}),
		},
	}

	res := te.run(newWorkflow(step), map[string]any{"names": []any{"ada", "bob"}})

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, []any{
		map[string]any{"text": "hi ada", "i": 0},
		map[string]any{"text": "hi bob", "i": 1},
	}, res.Steps[0].Output)
	out := res.Output.(map[string]any)
	assert.Equal(t, map[string]any{"text": "hi bob", "i": 1}, out["last"])
	assert.NotContains(t, out, "item")
}

func TestFlow_ForEachCustomNamesAndNilItems(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:            "loop",
		Type:          schema.StepTypeForEach,
		Items:         "inputs.rows",
		ItemVariable:  "row",
		IndexVariable: "n",
		Steps:         []*schema.Step{setStep("s", "", map[string]any{"v": "{{ row.id }}-{{ n }}"})},
	}

	res := te.run(newWorkflow(step), map[string]any{"rows": []any{map[string]any{"id": "a"}}})
	assert.Equal(t, []any{map[string]any{"v": "a-0"}}, res.Steps[0].Output)

	res = te.run(newWorkflow(step), nil)
	assert.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, []any{}, res.Steps[0].Output)
}

func TestFlow_ForEachStopsOnStopFailure(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.MaxRetries = 0 })
	te.exec.fn = func(_ context.Context, req StepRequest) (any, error) {
		if req.Inputs["v"] == "b" {
			return nil, errors.New("bad item")
		}
		return req.Inputs["v"], nil
	}
	inner := actionStep("work", "svc.work", map[string]any{"v": "{{ item }}"})
	inner.ErrorHandling = onError(schema.ErrorActionStop)
	step := &schema.Step{ID: "loop", Type: schema.StepTypeForEach, Items: "inputs.xs", Steps: []*schema.Step{inner}}

	res := te.run(newWorkflow(step), map[string]any{"xs": []any{"a", "b", "c"}})

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Contains(t, res.Steps[0].Error, "iteration 1")
	assert.Len(t, te.exec.Calls(), 2)
}

func TestFlow_ForEachRejectsNonList(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{ID: "loop", Type: schema.StepTypeForEach, Items: "inputs.x", Steps: []*schema.Step{setStep("s", "", nil)}}

	res := te.run(newWorkflow(step), map[string]any{"x": "nope"})

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Contains(t, res.Steps[0].Error, "want a list")
}

func TestFlow_While(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:        "count",
		Type:      schema.StepTypeWhile,
		Condition: "(variables.n ?? 0) < 3",
		Steps: []*schema.Step{{
			ID: "inc", Type: schema.StepTypeScript, Script: "(variables.n ?? 0) + 1", OutputVariable: "n",
		}},
	}

	res := te.run(newWorkflow(step), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, map[string]any{"iterations": 3, "output": 3}, res.Steps[0].Output)
}

func TestFlow_WhileMaxIterations(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:            "spin",
		Type:          schema.StepTypeWhile,
		Condition:     "true",
		MaxIterations: 4,
		Steps:         []*schema.Step{{ID: "it", Type: schema.StepTypeScript, Script: "iteration"}},
	}

	res := te.run(newWorkflow(step), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, map[string]any{"iterations": 4, "output": 3}, res.Steps[0].Output)
}

func TestFlow_TryCatchFinally(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.MaxRetries = 0 })
	te.exec.fn = func(_ context.Context, req StepRequest) (any, error) {
		if req.Step.ID == "risky" {
			return nil, errors.New("exploded")
		}
		return "cleaned", nil
	}
	risky := actionStep("risky", "svc.risky", nil)
	risky.ErrorHandling = onError(schema.ErrorActionStop)
	step := &schema.Step{
		ID:      "guard",
		Type:    schema.StepTypeTry,
		Try:     []*schema.Step{risky},
		Catch:   []*schema.Step{setStep("handle", "handled", map[string]any{"msg": "{{ error.message }}", "code": "{{ error.code }}"})},
		Finally: []*schema.Step{actionStep("cleanup", "svc.cleanup", nil)},
	}

	res := te.run(newWorkflow(step), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status, res.Steps[0].Error)
	out := res.Steps[0].Output.(map[string]any)
	assert.Equal(t, true, out["recovered"])
	assert.Contains(t, out["error"], "exploded")
	handled := res.Output.(map[string]any)["handled"].(map[string]any)
	assert.Contains(t, handled["msg"], "exploded")
	assert.Equal(t, schema.ErrCodeStepFailed, handled["code"])
	assert.Equal(t, []string{"svc.risky", "svc.cleanup"}, te.exec.Calls())
}

func TestFlow_TryWithoutCatchFails(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.MaxRetries = 0 })
	te.exec.fn = func(context.Context, StepRequest) (any, error) { return nil, errors.New("nope") }
	risky := actionStep("risky", "svc.risky", nil)
	risky.ErrorHandling = onError(schema.ErrorActionStop)
	step := &schema.Step{
		ID:      "guard",
		Type:    schema.StepTypeTry,
		Try:     []*schema.Step{risky},
		Finally: []*schema.Step{setStep("after", "finally_ran", map[string]any{"ok": true})},
	}

	res := te.run(newWorkflow(step), nil)

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Equal(t, map[string]any{"ok": true}, res.Output.(map[string]any)["finally_ran"])
}

func TestFlow_TryIgnoresContinueFailures(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.MaxRetries = 0 })
	te.exec.fn = func(context.Context, StepRequest) (any, error) { return nil, errors.New("soft") }
	step := &schema.Step{
		ID:    "guard",
		Type:  schema.StepTypeTry,
		Try:   []*schema.Step{actionStep("soft", "svc.soft", nil)},
		Catch: []*schema.Step{setStep("handle", "handled", nil)},
	}

	res := te.run(newWorkflow(step), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, false, res.Steps[0].Output.(map[string]any)["recovered"])
	assert.NotContains(t, res.Output.(map[string]any), "handled")
}

func TestFlow_Script(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{
		ID:             "calc",
		Type:           schema.StepTypeScript,
		Script:         "inputs.a * inputs.b + len(variables.list)",
		Inputs:         map[string]any{"b": "{{ inputs.a + 1 }}"},
		OutputVariable: "result",
	}
	seed := setStep("seed", "list", nil)
	seed.Inputs = map[string]any{"x": 1, "y": 2}

	res := te.run(newWorkflow(seed, step), map[string]any{"a": 3})

	require.Equal(t, schema.StepStatusCompleted, res.Steps[1].Status, res.Steps[1].Error)
	assert.Equal(t, 14, res.Steps[1].Output)
}

func TestFlow_ScriptError(t *testing.T) {
	te := newTestEnv(t)
	res := te.run(newWorkflow(&schema.Step{ID: "bad", Type: schema.StepTypeScript, Script: "1 +"}), nil)
	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
}

func TestFlow_WaitDuration(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{ID: "nap", Type: schema.StepTypeWait, Mode: schema.WaitModeDuration, Duration: schema.Duration(50 * time.Millisecond)}

	res := te.run(newWorkflow(step), nil)

	require.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"waited": "50ms"}, res.Steps[0].Output)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, te.Sleeps())
}

func TestFlow_Merge(t *testing.T) {
	te := newTestEnv(t)
	a := setStep("a", "a", map[string]any{"x": 1, "nested": map[string]any{"p": 1}})
	b := setStep("b", "b", map[string]any{"y": 2, "nested": map[string]any{"q": 2}})

	shallow := &schema.Step{ID: "shallow", Type: schema.StepTypeMerge, Sources: []string{"variables.a", "variables.b"}}
	deep := &schema.Step{ID: "deep", Type: schema.StepTypeMerge, Strategy: "deep", Sources: []string{"variables.a", "variables.b"}}
	concat := &schema.Step{ID: "concat", Type: schema.StepTypeMerge, Strategy: "concat", Sources: []string{"inputs.l1", "inputs.l2", "inputs.single"}}

	res := te.run(newWorkflow(a, b, shallow, deep, concat), map[string]any{
		"l1": []any{1, 2}, "l2": []any{3}, "single": 4,
	})

	require.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"x": 1, "y": 2, "nested": map[string]any{"q": 2}}, stepByID(res, "shallow").Output)
	assert.Equal(t, map[string]any{"x": 1, "y": 2, "nested": map[string]any{"p": 1, "q": 2}}, stepByID(res, "deep").Output)
	assert.Equal(t, []any{1, 2, 3, 4}, stepByID(res, "concat").Output)
}

func TestFlow_MergeRejectsNonObject(t *testing.T) {
	te := newTestEnv(t)
	step := &schema.Step{ID: "m", Type: schema.StepTypeMerge, Sources: []string{"inputs.list"}}

	res := te.run(newWorkflow(step), map[string]any{"list": []any{1}})

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Contains(t, res.Steps[0].Error, "want an object")
}

func TestFlow_MapFilterReduce(t *testing.T) {
	te := newTestEnv(t)
	double := &schema.Step{ID: "double", Type: schema.StepTypeMap, Items: "inputs.nums", Expression: "item * 2", OutputVariable: "doubled"}
	evens := &schema.Step{ID: "big", Type: schema.StepTypeFilter, Items: "variables.doubled", Expression: "item > 4", OutputVariable: "big"}
	sum := &schema.Step{ID: "sum", Type: schema.StepTypeReduce, Items: "variables.big", Expression: "acc + item", AccumulatorVariable: "acc", InitialValue: 0}

	res := te.run(newWorkflow(double, evens, sum), map[string]any{"nums": []any{1, 2, 3, 4}})

	require.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []any{2, 4, 6, 8}, stepByID(res, "double").Output)
	assert.Equal(t, []any{6, 8}, stepByID(res, "big").Output)
	assert.Equal(t, 14, stepByID(res, "sum").Output)
}

func TestFlow_ConditionsOnNestedSteps(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.MaxRetries = 0 })
	te.exec.fn = func(context.Context, StepRequest) (any, error) { return nil, errors.New("down") }
	fallback := setStep("fallback", "used_fallback", map[string]any{"ok": true})
	fallback.Conditions = []string{"steps.primary.status == 'FAILED'"}
	step := &schema.Step{
		ID:        "wrap",
		Type:      schema.StepTypeIf,
		Condition: "true",
		Then:      []*schema.Step{actionStep("primary", "svc.call", nil), fallback},
	}

	res := te.run(newWorkflow(step), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, map[string]any{"ok": true}, res.Output.(map[string]any)["used_fallback"])
}

func TestFlow_ControlStepTimeout(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.MaxRetries = 0 })
	te.exec.fn = func(ctx context.Context, _ StepRequest) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := &schema.Step{
		ID:      "loop",
		Type:    schema.StepTypeForEach,
		Items:   "inputs.xs",
		Timeout: schema.Duration(20 * time.Millisecond),
		Steps:   []*schema.Step{actionStep("slow", "svc.slow", nil)},
	}

	res := te.run(newWorkflow(step), map[string]any{"xs": []any{1, 2, 3}})

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Contains(t, res.Steps[0].Error, schema.TimeoutMarker)
}

func TestFlow_ControlOutputKeptOnFailure(t *testing.T) {
	te := newTestEnv(t, func(c *Config) { c.MaxRetries = 0 })
	te.exec.fn = func(context.Context, StepRequest) (any, error) { return nil, errors.New("x") }
	bad := actionStep("bad", "svc.x", nil)
	bad.ErrorHandling = onError(schema.ErrorActionStop)
	step := &schema.Step{ID: "c", Type: schema.StepTypeIf, Condition: "true", Then: []*schema.Step{bad}}

	res := te.run(newWorkflow(step), nil)

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Equal(t, "then", res.Steps[0].Output.(map[string]any)["branch"])
}
