package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil, nil)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% ETL Pipeline")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `fetch["fetch"]`)
	assert.Contains(t, out, "fetch --> transform")
	assert.Contains(t, out, "store --> __end__")
}

func TestRenderMermaidShapesAndSubgraphs(t *testing.T) {
	model, err := Build(parallelWorkflow(), nil, nil)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, `fan_out[["fan-out"]]`)
	assert.Contains(t, out, `reviews{{"reviews"}}`)
	assert.Contains(t, out, `subgraph fan_out_left["fan-out: left"]`)
	assert.Contains(t, out, `fan_out_left_a1["a1"]`)
}

func TestRenderMermaidNested(t *testing.T) {
	model, err := Build(nestedWorkflow(), nil, nil)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, `subgraph each_body["each: body"]`)
	assert.Contains(t, out, `subgraph each_body_guard_try["guard: try"]`)
	assert.Contains(t, out, `gate(["gate"])`)
	assert.Equal(t, strings.Count(out, "subgraph "), strings.Count(out, "end\n"))
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	cps := []*store.Checkpoint{
		{StepID: "fetch", Status: schema.StepStatusCompleted},
		{StepID: "transform", Status: schema.StepStatusSkipped},
	}
	model, err := Build(linearWorkflow(), nil, cps)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, "class fetch completed")
	assert.Contains(t, out, "class transform skipped")
	assert.NotContains(t, out, "class store")
}

func TestRenderASCII(t *testing.T) {
	cps := []*store.Checkpoint{{StepID: "check", Status: schema.StepStatusFailed, RetryCount: 1}}
	model, err := Build(conditionWorkflow(), nil, cps)
	require.NoError(t, err)

	out := RenderASCII(model)

	assert.Contains(t, out, "=== deploy ===")
	assert.Contains(t, out, "(ci.status)")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "retries: 1")
	assert.Contains(t, out, "--- decide sub-steps ---")
	assert.Contains(t, out, "[then]")
	assert.Contains(t, out, "deploy")
	assert.Equal(t, 3, strings.Count(out, "▼"))
}

func TestRenderASCIINestedIndent(t *testing.T) {
	model, err := Build(nestedWorkflow(), nil, nil)
	require.NoError(t, err)

	out := RenderASCII(model)

	assert.Contains(t, out, "  [body]\n    guard\n      [try]\n        lint\n")
}

func TestRenderImage(t *testing.T) {
	workflows := map[string]*schema.Workflow{
		"linear":    linearWorkflow(),
		"condition": conditionWorkflow(),
		"parallel":  parallelWorkflow(),
		"nested":    nestedWorkflow(),
	}
	for name, wf := range workflows {
		t.Run(name, func(t *testing.T) {
			model, err := Build(wf, nil, []*store.Checkpoint{{StepID: wf.Steps[0].ID, Status: schema.StepStatusCompleted}})
			require.NoError(t, err)

			png, err := RenderImage(context.Background(), model, FormatPNG)
			require.NoError(t, err)
			require.Greater(t, len(png), 8)
			assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
		})
	}
}

func TestRenderImageSVG(t *testing.T) {
	model, err := Build(linearWorkflow(), nil, nil)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}

func TestRenderImageUnknownFormat(t *testing.T) {
	model, err := Build(linearWorkflow(), nil, nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	assert.Error(t, err)
}
