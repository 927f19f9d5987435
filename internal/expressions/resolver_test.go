package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver()
	require.NoError(t, err)
	return r
}

func testScope() *Scope {
	return &Scope{
		Variables: map[string]any{"count": 3, "user": map[string]any{"name": "ada"}},
		Inputs:    map[string]any{"repo": "stepwise"},
		Steps:     map[string]any{"fetch": map[string]any{"status": "COMPLETED", "retry_count": 0}},
		Run:       map[string]any{"id": "run-1"},
	}
}

func TestResolver_WholePlaceholderKeepsType(t *testing.T) {
	r := newTestResolver(t)
	out, err := r.Resolve(context.Background(), "{{ count * 2 }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, 6, out)
}

func TestResolver_InlineRendering(t *testing.T) {
	r := newTestResolver(t)
	out, err := r.Resolve(context.Background(), "hi {{ user.name }} on {{ inputs.repo }} ({{ count }})", testScope())
	require.NoError(t, err)
	assert.Equal(t, "hi ada on stepwise (3)", out)
}

func TestResolver_RecursesThroughContainers(t *testing.T) {
	r := newTestResolver(t)
	in := map[string]any{
		"title": "run {{ run.id }}",
		"list":  []any{"{{ count }}", 7, map[string]any{"who": "{{ user.name }}"}},
	}
	out, err := r.Resolve(context.Background(), in, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title": "run run-1",
		"list":  []any{3, 7, map[string]any{"who": "ada"}},
	}, out)
	assert.Equal(t, "run {{ run.id }}", in["title"], "input must not be mutated")
}

func TestResolver_UnclosedPlaceholder(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "x {{ count", testScope())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCode(err))
}

func TestResolver_ConditionDialects(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()
	s := testScope()

	tests := []struct {
		cond string
		want bool
	}{
		{"count > 2", true},
		{"{{ count > 5 }}", false},
		{`steps.fetch.status == "COMPLETED"`, true},
		{`cel: steps.fetch.status == "COMPLETED" && inputs.repo == "stepwise"`, true},
		{`cel: variables.count < 1`, false},
		{`jq: .count == 3`, true},
		{`jq: .user.name == "bob"`, false},
		{`user.name`, true},
		{`missing`, false},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			got, err := r.ResolveCondition(ctx, tt.cond, s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_ResolveConditionsIsConjunction(t *testing.T) {
	r := newTestResolver(t)
	ok, err := r.ResolveConditions(context.Background(), []string{"count == 3", "inputs.repo == 'x'"}, testScope())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.ResolveConditions(context.Background(), nil, testScope())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolver_LocalsShadowVariables(t *testing.T) {
	r := newTestResolver(t)
	s := testScope().WithLocals(map[string]any{"count": 10, "item": "x"})
	out, err := r.Evaluate(context.Background(), "count + 1", s)
	require.NoError(t, err)
	assert.Equal(t, 11, out)
	assert.Nil(t, testScope().Locals)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(2.5))
	assert.True(t, Truthy([]string{"a"}))
	assert.True(t, Truthy(struct{}{}))
}

func TestCloneMap_IsDeep(t *testing.T) {
	orig := map[string]any{"a": map[string]any{"b": []any{1, 2}}}
	cp := CloneMap(orig)
	cp["a"].(map[string]any)["b"].([]any)[0] = 99
	assert.Equal(t, 1, orig["a"].(map[string]any)["b"].([]any)[0])
	assert.Nil(t, CloneMap(nil))
}
