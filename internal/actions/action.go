package actions

import "context"

// Action is an executable unit of work reachable as "service.method".
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(input map[string]any) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	Has(name string) bool
	List() []ActionInfo
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
// Params are the step's resolved inputs; Context is a read-only snapshot of
// the run (variables, inputs, steps, run).
type ActionInput struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data any `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into an Action.
func Func(name, description string, fn func(ctx context.Context, input ActionInput) (any, error)) Action {
	return &funcAction{name: name, desc: description, fn: fn}
}

type funcAction struct {
	name string
	desc string
	fn   func(ctx context.Context, input ActionInput) (any, error)
}

func (a *funcAction) Name() string                  { return a.name }
func (a *funcAction) Schema() ActionSchema          { return ActionSchema{Description: a.desc} }
func (a *funcAction) Validate(map[string]any) error { return nil }

func (a *funcAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	out, err := a.fn(ctx, input)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: out}, nil
}
