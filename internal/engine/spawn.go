package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// Error policies shared by parallel.spawn and parallel.map.
const (
	policyFail     = "fail"
	policyContinue = "continue"
	policyPartial  = "partial"
)

type spawnCall struct {
	Name    string          `mapstructure:"name" validate:"required"`
	Agent   string          `mapstructure:"agent"`
	Action  string          `mapstructure:"action"`
	Inputs  map[string]any  `mapstructure:"inputs"`
	Timeout schema.Duration `mapstructure:"timeout"`
}

type spawnInput struct {
	Agents  []spawnCall     `mapstructure:"agents" validate:"required,min=1,dive"`
	Wait    any             `mapstructure:"wait"`
	OnError string          `mapstructure:"on_error" validate:"omitempty,oneof=fail continue partial"`
	Timeout schema.Duration `mapstructure:"timeout"`
}

type spawnResult struct {
	name      string
	output    any
	err       error
	started   time.Time
	completed time.Time
}

// spawn runs the named sub-calls concurrently and returns once the wait
// target is met. Calls still running at that point are abandoned: they keep
// running in the background unless StrictCancellation is set, in which case
// their context is cancelled. Abandoned names are listed in the output.
func (e *Engine) spawn(ctx context.Context, r *run, step *schema.Step, inputs map[string]any, scope *expressions.Scope) (any, error) {
	in, err := decodeSpawnInput(inputs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel.spawn: %v", err).WithStep(step.ID).WithCause(err)
	}
	target, mode, err := waitTarget(in.Wait, len(in.Agents))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel.spawn: %v", err).WithStep(step.ID)
	}
	policy := orString(in.OnError, policyFail)

	base := context.WithoutCancel(ctx)
	if e.cfg.StrictCancellation {
		base = ctx
	}
	callCtx, cancel := context.WithCancel(base)

	results := make(chan spawnResult, len(in.Agents))
	var wg sync.WaitGroup
	for _, call := range in.Agents {
		call := call
		if call.Action == "" {
			call.Action = defaultSpawnAction(call.Agent, r.wf)
		}
		timeout := call.Timeout.Or(in.Timeout.Or(e.cfg.DefaultTimeout))
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.spawnCall(callCtx, r, step, call, timeout, scope)
		}()
	}

	collected := make([]spawnResult, 0, target)
	for len(collected) < target {
		select {
		case res := <-results:
			collected = append(collected, res)
		case <-ctx.Done():
			e.releaseSpawn(&wg, cancel)
			return nil, contextError(ctx.Err(), "parallel.spawn "+step.ID)
		}
	}
	e.releaseSpawn(&wg, cancel)

	abandoned := abandonedCalls(in.Agents, collected)
	if len(abandoned) > 0 {
		e.logger.WarnContext(ctx, "parallel.spawn returned with calls still running",
			"step_id", step.ID, "wait", mode, "abandoned", abandoned, "cancelled", e.cfg.StrictCancellation)
	}

	out, failed := spawnOutput(collected, mode, abandoned, e.cfg.StrictCancellation)
	switch {
	case policy == policyFail && len(failed) > 0:
		return out, schema.NewErrorf(schema.ErrCodeStepFailed, "%d sub-call(s) failed: %s",
			len(failed), strings.Join(failed, "; ")).WithStep(step.ID).WithDetails(map[string]any{"results": out["results"]})
	case policy == policyPartial && len(failed) == len(collected):
		return out, schema.NewErrorf(schema.ErrCodeStepFailed, "all %d sub-call(s) failed: %s",
			len(failed), strings.Join(failed, "; ")).WithStep(step.ID)
	}
	return out, nil
}

// releaseSpawn cancels the sub-call context now in strict mode, otherwise
// once every call has returned on its own.
func (e *Engine) releaseSpawn(wg *sync.WaitGroup, cancel context.CancelFunc) {
	if e.cfg.StrictCancellation {
		cancel()
		return
	}
	go func() {
		wg.Wait()
		cancel()
	}()
}

func (e *Engine) spawnCall(ctx context.Context, r *run, step *schema.Step, call spawnCall, timeout time.Duration, scope *expressions.Scope) spawnResult {
	started := e.now()
	sub := &schema.Step{
		ID:     step.ID + "." + call.Name,
		Action: call.Action,
		Inputs: call.Inputs,
	}
	out, err := e.race(ctx, timeout, "sub-call "+call.Name, func(ctx context.Context) (any, error) {
		if sub.Action == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "sub-call %s has neither action nor agent", call.Name)
		}
		return e.invoke(ctx, r, sub, expressions.CloneMap(call.Inputs), scope)
	})
	return spawnResult{name: call.Name, output: out, err: err, started: started, completed: e.now()}
}

func decodeSpawnInput(inputs map[string]any) (*spawnInput, error) {
	raw := expressions.CloneMap(inputs)
	// agents may also be given as a name -> call object.
	if m, ok := raw["agents"].(map[string]any); ok {
		list := make([]any, 0, len(m))
		for _, name := range sortedAttrKeys(m) {
			call, err := toStringMap(m[name])
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", name, err)
			}
			if call == nil {
				call = map[string]any{}
			}
			call["name"] = name
			list = append(list, call)
		}
		raw["agents"] = list
	}

	var in spawnInput
	if err := decodeMap(raw, &in, "mapstructure"); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(in.Agents))
	for _, c := range in.Agents {
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate sub-call name %q", c.Name)
		}
		seen[c.Name] = true
	}
	return &in, nil
}

// waitTarget returns how many sub-calls must finish: all, any (1),
// majority (ceil(n/2)) or a number clamped to [1, n].
func waitTarget(wait any, n int) (int, string, error) {
	switch w := wait.(type) {
	case nil:
		return n, "all", nil
	case string:
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "", "all":
			return n, "all", nil
		case "any":
			return 1, "any", nil
		case "majority":
			return (n + 1) / 2, "majority", nil
		}
		k, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil {
			return 0, "", fmt.Errorf("unknown wait strategy %q", w)
		}
		return clampTarget(k, n), strconv.Itoa(k), nil
	case int:
		return clampTarget(w, n), strconv.Itoa(w), nil
	case int64:
		return clampTarget(int(w), n), strconv.Itoa(int(w)), nil
	case float64:
		k := int(math.Ceil(w))
		return clampTarget(k, n), strconv.Itoa(k), nil
	default:
		return 0, "", fmt.Errorf("unsupported wait value %v", wait)
	}
}

func clampTarget(k, n int) int {
	if k < 1 {
		return 1
	}
	if k > n {
		return n
	}
	return k
}

func defaultSpawnAction(agent string, wf *schema.Workflow) string {
	if agent == "" && wf != nil && wf.Defaults != nil {
		agent = wf.Defaults.Agent
	}
	if agent == "" {
		return ""
	}
	return agent + ".run"
}

func abandonedCalls(calls []spawnCall, collected []spawnResult) []string {
	done := make(map[string]bool, len(collected))
	for _, c := range collected {
		done[c.name] = true
	}
	var out []string
	for _, c := range calls {
		if !done[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

func spawnOutput(collected []spawnResult, mode string, abandoned []string, cancelled bool) (map[string]any, []string) {
	results := make(map[string]any, len(collected))
	var failed []string
	totalCost := 0.0
	succeeded := 0
	for _, c := range collected {
		entry := map[string]any{
			"success":      c.err == nil,
			"output":       c.output,
			"started_at":   c.started.Format(time.RFC3339Nano),
			"completed_at": c.completed.Format(time.RFC3339Nano),
			"duration_ms":  c.completed.Sub(c.started).Milliseconds(),
		}
		if c.err != nil {
			entry["error"] = c.err.Error()
			failed = append(failed, c.name+": "+c.err.Error())
		} else {
			succeeded++
			totalCost += costOf(c.output)
		}
		results[c.name] = entry
	}
	sort.Strings(failed)
	if abandoned == nil {
		abandoned = []string{}
	}
	return map[string]any{
		"results":             results,
		"wait":                mode,
		"completed":           succeeded,
		"failed":              len(failed),
		"abandoned":           abandoned,
		"abandoned_cancelled": cancelled && len(abandoned) > 0,
		"total_cost":          totalCost,
	}, failed
}

// costOf reads a cost figure reported by an agent call, if any.
func costOf(out any) float64 {
	m, ok := out.(map[string]any)
	if !ok {
		return 0
	}
	for _, key := range []string{"cost", "cost_usd", "total_cost_usd"} {
		if f, ok := toFloat(m[key]); ok {
			return f
		}
	}
	if usage, ok := m["usage"].(map[string]any); ok {
		return costOf(usage)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
