package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/pkg/schema"
)

// Actions returns the agent operations (run, analyze, generate,
// generate_report). Register them with Registry.RegisterService under the
// agent name, e.g. "claude", so steps reach them as "claude.analyze".
func (r *CLIRunner) Actions(agent string) []actions.Action {
	return []actions.Action{
		&agentAction{runner: r, agent: agent, name: "run", desc: "Send a prompt to the agent and parse its reply", build: runPrompt, parse: true},
		&agentAction{runner: r, agent: agent, name: "analyze", desc: "Ask the agent for a structured analysis", build: analysisPrompt, parse: true},
		&agentAction{runner: r, agent: agent, name: "generate", desc: "Generate text with the agent", build: generationPrompt},
		&agentAction{runner: r, agent: agent, name: "generate_report", desc: "Generate a markdown execution report", build: reportPrompt},
	}
}

// Register adds the agent operations to reg under the given agent service.
func (r *CLIRunner) Register(reg *actions.Registry, agent string) (int, error) {
	return reg.RegisterService(agent, r.Actions(agent))
}

type agentAction struct {
	runner *CLIRunner
	agent  string
	name   string
	desc   string
	build  func(params map[string]any) (string, error)
	parse  bool
}

func (a *agentAction) Name() string { return a.name }

func (a *agentAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{
		Description: a.desc,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":  map[string]any{"type": "string"},
				"model":   map[string]any{"type": "string"},
				"timeout": map[string]any{"type": []any{"string", "integer"}},
			},
		},
	}
}

func (a *agentAction) Validate(params map[string]any) error {
	if v, ok := params["timeout"]; ok {
		if _, err := parseTimeout(v); err != nil {
			return err
		}
	}
	if m, ok := params["model"]; ok {
		if _, isStr := m.(string); !isStr {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s.%s: model must be a string", a.agent, a.name)
		}
	}
	return nil
}

func (a *agentAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	prompt, err := a.build(input.Params)
	if err != nil {
		return nil, err
	}
	model, _ := input.Params["model"].(string)
	timeout, err := parseTimeout(input.Params["timeout"])
	if err != nil {
		return nil, err
	}

	text, err := a.runner.Run(ctx, Call{Agent: a.agent, Prompt: prompt, Model: model, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if a.parse {
		return &actions.ActionOutput{Data: ParseResponse(text)}, nil
	}
	return &actions.ActionOutput{Data: map[string]any{"output": text}}, nil
}

func parseTimeout(v any) (time.Duration, error) {
	if v == nil {
		return 0, nil
	}
	var d schema.Duration
	raw, err := json.Marshal(v)
	if err == nil {
		err = json.Unmarshal(raw, &d)
	}
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %v", v).WithCause(err)
	}
	return d.Std(), nil
}

func runPrompt(params map[string]any) (string, error) {
	p, _ := params["prompt"].(string)
	if strings.TrimSpace(p) == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "prompt is required")
	}
	return p, nil
}

// analysisPrompt uses prompt (or prompt_template) verbatim, otherwise builds
// one from context and categories. An output_schema is appended as a JSON
// instruction.
func analysisPrompt(params map[string]any) (string, error) {
	var b strings.Builder
	if p := firstString(params, "prompt", "prompt_template"); p != "" {
		b.WriteString(p)
	} else {
		ctxText := stringify(params["context"])
		cats, _ := params["categories"].(map[string]any)
		if ctxText == "" && len(cats) == 0 {
			return "", schema.NewError(schema.ErrCodeValidation, "analyze needs prompt, context or categories")
		}
		b.WriteString(ctxText)
		if len(cats) > 0 {
			b.WriteString("\nCategories:\n")
			for _, name := range sortedKeys(cats) {
				fmt.Fprintf(&b, "- %s: %s\n", name, stringify(cats[name]))
			}
		}
		b.WriteString("\nProvide a clear, structured response.")
	}
	if s, ok := params["output_schema"]; ok && s != nil {
		raw, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "output_schema: %v", err).WithCause(err)
		}
		b.WriteString("\n\nRespond with valid JSON matching this schema:\n")
		b.Write(raw)
	}
	return b.String(), nil
}

func generationPrompt(params map[string]any) (string, error) {
	if p := firstString(params, "prompt"); p != "" {
		return p, nil
	}
	var parts []string
	if c := stringify(params["context"]); c != "" {
		parts = append(parts, c)
	}
	if tone, ok := params["tone"].(string); ok && tone != "" {
		parts = append(parts, "\nUse this tone: "+tone)
	}
	if reqs, ok := params["requirements"].([]any); ok && len(reqs) > 0 {
		parts = append(parts, "\nRequirements:")
		for _, r := range reqs {
			parts = append(parts, "- "+stringify(r))
		}
	}
	if len(parts) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "generate needs prompt or context")
	}
	return strings.Join(parts, "\n"), nil
}

func reportPrompt(params map[string]any) (string, error) {
	parts := []string{"Generate an execution report.\n"}
	if include, ok := params["include"].([]any); ok && len(include) > 0 {
		parts = append(parts, "Include:")
		for _, s := range include {
			parts = append(parts, "- "+stringify(s))
		}
	}
	if data, ok := params["data"]; ok {
		raw, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "report data: %v", err).WithCause(err)
		}
		parts = append(parts, "\nData:\n```json\n"+string(raw)+"\n```")
	}
	parts = append(parts, "\nFormat as markdown.")
	return strings.Join(parts, "\n"), nil
}

func firstString(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := params[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
