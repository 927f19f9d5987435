package agents

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/pkg/schema"
)

// fakeAgent writes an executable shell script standing in for the agent CLI.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newRunner(t *testing.T, cfg CLIConfig) *CLIRunner {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewCLIRunner(cfg)
	require.NoError(t, err)
	return r
}

// argv prints each argument on its own line.
const argv = `for a in "$@"; do echo "$a"; done`

func TestNewCLIRunner_Defaults(t *testing.T) {
	r, err := NewCLIRunner(CLIConfig{})
	require.NoError(t, err)
	assert.Equal(t, "claude", r.cfg.Binary)
	assert.Equal(t, 5*time.Minute, r.cfg.Timeout)
	assert.Equal(t, int64(1<<20), r.cfg.MaxOutputSize)
}

func TestCLIRunner_RunPassesPromptAndModel(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, argv), Args: []string{"--output-format", "text"}, Model: "sonnet"})

	out, err := r.Run(context.Background(), Call{Prompt: "hello there", Model: "opus"})

	require.NoError(t, err)
	assert.Equal(t, "--output-format\ntext\n-p\nhello there\n--model\nopus", out)
}

func TestCLIRunner_RunUsesConfiguredModel(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, argv), Model: "haiku"})

	out, err := r.Run(context.Background(), Call{Prompt: "x"})

	require.NoError(t, err)
	assert.Equal(t, "-p\nx\n--model\nhaiku", out)
}

func TestCLIRunner_RunSelectsBinaryPerAgent(t *testing.T) {
	r := newRunner(t, CLIConfig{
		Binary:   fakeAgent(t, "echo default"),
		Binaries: map[string]string{"gemini": fakeAgent(t, "echo gemini")},
	})

	out, err := r.Run(context.Background(), Call{Agent: "gemini", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", out)

	out, err = r.Run(context.Background(), Call{Agent: "claude", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "default", out)
}

func TestCLIRunner_RunFailure(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, "echo partial; echo quota exceeded >&2; exit 3")})

	_, err := r.Run(context.Background(), Call{Prompt: "x"})

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestCLIRunner_RunTimeout(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, "exec sleep 5")})

	start := time.Now()
	_, err := r.Run(context.Background(), Call{Prompt: "x", Timeout: 50 * time.Millisecond})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, schema.ErrCodeTimeout, schema.ErrorCode(err))
	assert.True(t, schema.IsTimeout(err))
}

func TestCLIRunner_RunCancelled(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, "exec sleep 5")})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Run(ctx, Call{Prompt: "x"})

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.ErrorCode(err))
}

func TestCLIRunner_RunMissingBinary(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: filepath.Join(t.TempDir(), "nope")})

	_, err := r.Run(context.Background(), Call{Prompt: "x"})

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))
}

func TestCLIRunner_RunEmptyPrompt(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, argv)})

	_, err := r.Run(context.Background(), Call{Prompt: "  "})

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCLIRunner_OutputIsCapped(t *testing.T) {
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, "echo 0123456789abcdef"), MaxOutputSize: 8})

	out, err := r.Run(context.Background(), Call{Prompt: "x"})

	require.NoError(t, err)
	assert.Equal(t, "01234567", out)
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		text string
		want any
	}{
		{"whole object", `{"ok": true}`, map[string]any{"ok": true}},
		{"array", `[1, 2]`, []any{float64(1), float64(2)}},
		{"fenced block", "Here you go:\n```json\n{\"n\": 1}\n```\nDone.", map[string]any{"n": float64(1)}},
		{"embedded object", `The answer is {"answer": "yes"} as requested.`, map[string]any{"answer": "yes"}},
		{"plain text", "just words", map[string]any{"output": "just words"}},
		{"broken braces", "see {this} please", map[string]any{"output": "see {this} please"}},
		{"empty", "", map[string]any{"output": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResponse(tt.text))
		})
	}
}

func TestCLIRunner_RunSubAgent(t *testing.T) {
	dir := t.TempDir()
	promptFile := filepath.Join(dir, "prompt.txt")
	script := `while [ $# -gt 0 ]; do
  case "$1" in
    -p) shift; printf '%s' "$1" > "` + promptFile + `" ;;
    --model) shift; model="$1" ;;
  esac
  shift
done
echo "Finished."
echo '{"summary": "ok", "model": "'"$model"'"}'`
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, script)})

	out, err := r.RunSubAgent(context.Background(), engine.SubAgentRequest{
		RunID:  "run-1",
		StepID: "child",
		Workflow: &schema.Workflow{
			ID:   "review",
			Name: "Code review",
			Steps: []*schema.Step{
				{ID: "read", Action: "fs.read", Inputs: map[string]any{"path": "main.go"}},
			},
		},
		Path:    "/flows/review.yaml",
		Inputs:  map[string]any{"target": "main.go"},
		Model:   "opus",
		Timeout: 5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "ok", "model": "opus"}, out)

	prompt, err := os.ReadFile(promptFile)
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "Execute the workflow defined in /flows/review.yaml (Code review)")
	assert.Contains(t, string(prompt), "action: fs.read")
	assert.Contains(t, string(prompt), `"target": "main.go"`)
	assert.True(t, strings.HasSuffix(string(prompt), "JSON object holding the workflow outputs."))
}

func TestCLIRunner_SubAgentWiredIntoEngine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "child.yaml"), []byte("id: child\nsteps:\n  - id: a\n    action: core.set\n"), 0o644))
	r := newRunner(t, CLIConfig{Binary: fakeAgent(t, `echo '{"done": true}'`)})

	eng, err := engine.New(engine.DefaultConfig(),
		engine.WithSubAgent(r),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	wf := &schema.Workflow{
		ID:       "parent",
		BasePath: dir,
		Steps: []*schema.Step{
			{ID: "delegate", Type: schema.StepTypeWorkflow, Workflow: "child.yaml", UseSubagent: true, OutputVariable: "child"},
		},
	}
	res := eng.Execute(context.Background(), wf, nil, actions.NewRegistry(), nil)

	require.Equal(t, schema.RunStatusCompleted, res.Status, res.Error)
	assert.Equal(t, map[string]any{"done": true}, res.Steps[0].Output)
}
