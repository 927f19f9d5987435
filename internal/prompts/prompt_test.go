package prompts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

const summarizePrompt = `---
name: summarize
description: Summarize a document
inputs:
  type: object
  required: [text]
  properties:
    text:
      type: string
    tone:
      type: string
      default: neutral
---
Summarize in a {{ tone }} tone:

{{ text }}
`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	r, err := expressions.NewResolver()
	require.NoError(t, err)
	l, err := NewLoader(r)
	require.NoError(t, err)
	return l
}

func writePrompt(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParse_FrontMatter(t *testing.T) {
	doc, err := Parse([]byte(summarizePrompt), "/tmp/summarize.md")
	require.NoError(t, err)
	assert.Equal(t, "summarize", doc.Name)
	assert.Equal(t, "Summarize a document", doc.Description)
	assert.Equal(t, "object", doc.Inputs["type"])
	assert.Equal(t, "Summarize in a {{ tone }} tone:\n\n{{ text }}", doc.Body)
}

func TestParse_NoFrontMatter(t *testing.T) {
	doc, err := Parse([]byte("Just say hi to {{ name }}\n"), "/prompts/greet.md")
	require.NoError(t, err)
	assert.Equal(t, "greet", doc.Name)
	assert.Empty(t, doc.Inputs)
	assert.Equal(t, "Just say hi to {{ name }}", doc.Body)
}

func TestParse_Unterminated(t *testing.T) {
	_, err := Parse([]byte("---\nname: x\nbody"), "x.md")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestLoad_RelativeToBasePath(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "summarize.md", summarizePrompt)

	l := newLoader(t)
	doc, err := l.Load("summarize.md", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "summarize.md"), doc.Path)
}

func TestLoad_NotFound(t *testing.T) {
	l := newLoader(t)
	_, err := l.Load("missing.md", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestValidateInputs(t *testing.T) {
	l := newLoader(t)
	doc, err := Parse([]byte(summarizePrompt), "s.md")
	require.NoError(t, err)

	assert.True(t, l.ValidateInputs(doc, map[string]any{"text": "hello"}).Valid())

	result := l.ValidateInputs(doc, map[string]any{"tone": "dry"})
	require.False(t, result.Valid())
	assert.Equal(t, "summarize", result.Errors[0].Path)

	result = l.ValidateInputs(doc, map[string]any{"text": 42})
	assert.False(t, result.Valid())
}

func TestWithDefaults(t *testing.T) {
	doc, err := Parse([]byte(summarizePrompt), "s.md")
	require.NoError(t, err)

	in := map[string]any{"text": "hello"}
	out := doc.WithDefaults(in)
	assert.Equal(t, "neutral", out["tone"])
	assert.NotContains(t, in, "tone")

	out = doc.WithDefaults(map[string]any{"text": "x", "tone": "warm"})
	assert.Equal(t, "warm", out["tone"])
}

func TestRender(t *testing.T) {
	l := newLoader(t)
	doc, err := Parse([]byte(summarizePrompt), "s.md")
	require.NoError(t, err)

	out, err := l.Render(context.Background(), doc, doc.WithDefaults(map[string]any{"text": "Go is fun"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "Summarize in a neutral tone:\n\nGo is fun", out)
}

func TestRender_SeesRunScope(t *testing.T) {
	l := newLoader(t)
	doc := &Document{Name: "p", Body: "{{ prompt.who }} asked about {{ inputs.topic }}"}
	scope := &expressions.Scope{Inputs: map[string]any{"topic": "channels"}}

	out, err := l.Render(context.Background(), doc, map[string]any{"who": "ada"}, scope)
	require.NoError(t, err)
	assert.Equal(t, "ada asked about channels", out)
}

func TestRender_NonStringWholePlaceholder(t *testing.T) {
	l := newLoader(t)
	doc := &Document{Name: "p", Body: "{{ items }}"}

	out, err := l.Render(context.Background(), doc, map[string]any{"items": []any{1, 2}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", out)
}
