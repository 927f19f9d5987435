package actions

import (
	"context"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// WorkflowOutputsKey mirrors the engine sentinel that overrides a run's final output.
const WorkflowOutputsKey = "__workflow_outputs__"

// Builtins returns the side-effect-free data operations the engine runs
// in-process instead of handing them to the step executor.
func Builtins(jq *expressions.GoJQEngine) []Action {
	return []Action{
		&setAction{},
		&jqAction{engine: jq},
		&extractAction{},
		&outputsAction{},
	}
}

// NewBuiltinRegistry returns a registry holding every built-in.
func NewBuiltinRegistry(jq *expressions.GoJQEngine) (*Registry, error) {
	reg := NewRegistry()
	for _, a := range Builtins(jq) {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// --- core.set ---

type setAction struct{}

func (a *setAction) Name() string { return "core.set" }

func (a *setAction) Schema() ActionSchema {
	return ActionSchema{Description: "Return the resolved inputs unchanged"}
}

func (a *setAction) Validate(map[string]any) error { return nil }

func (a *setAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: expressions.CloneMap(input.Params)}, nil
}

// --- core.jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "core.jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq query over 'input' (defaults to the run context)",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
	}
}

func (a *jqAction) Validate(input map[string]any) error {
	q, ok := input["query"].(string)
	if !ok || strings.TrimSpace(q) == "" {
		return schema.NewError(schema.ErrCodeValidation, "core.jq requires non-empty 'query' string parameter")
	}
	return nil
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	data, ok := input.Params["input"]
	if !ok {
		data = input.Context
	}
	out, err := a.engine.Query(ctx, input.Params["query"].(string), data)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: out}, nil
}

// --- core.extract ---

type extractAction struct{}

func (a *extractAction) Name() string { return "core.extract" }

func (a *extractAction) Schema() ActionSchema {
	return ActionSchema{Description: "Pick values out of 'input' by dot path or JSON pointer"}
}

func (a *extractAction) Validate(input map[string]any) error {
	if _, ok := input["input"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "core.extract requires 'input' parameter")
	}
	if _, ok := input["path"].(string); ok {
		return nil
	}
	if _, ok := input["paths"].(map[string]any); ok {
		return nil
	}
	return schema.NewError(schema.ErrCodeValidation, "core.extract requires 'path' string or 'paths' object")
}

func (a *extractAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	doc := gabs.Wrap(input.Params["input"])

	if path, ok := input.Params["path"].(string); ok {
		return &ActionOutput{Data: lookup(doc, path)}, nil
	}

	out := make(map[string]any)
	for name, p := range input.Params["paths"].(map[string]any) {
		path, _ := p.(string)
		out[name] = lookup(doc, path)
	}
	return &ActionOutput{Data: out}, nil
}

// lookup resolves a JSON pointer ("/a/0/b") or a dot path ("a.0.b"); misses yield nil.
func lookup(doc *gabs.Container, path string) any {
	if strings.HasPrefix(path, "/") {
		c, err := doc.JSONPointer(path)
		if err != nil {
			return nil
		}
		return c.Data()
	}
	return doc.Path(path).Data()
}

// --- workflow.outputs ---

type outputsAction struct{}

func (a *outputsAction) Name() string { return "workflow.outputs" }

func (a *outputsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Replace the run's final output with the resolved inputs"}
}

func (a *outputsAction) Validate(map[string]any) error { return nil }

func (a *outputsAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: map[string]any{
		WorkflowOutputsKey: expressions.CloneMap(input.Params),
	}}, nil
}
