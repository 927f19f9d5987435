package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/pkg/schema"
)

// CLIConfig configures a CLIRunner.
type CLIConfig struct {
	// Binary is the agent executable, resolved through PATH.
	Binary string `default:"claude" validate:"required"`
	// Binaries maps an agent name (workflow defaults.agent) to its executable.
	Binaries map[string]string
	// Args are passed before the prompt flag.
	Args    []string
	Model   string
	WorkDir string
	Timeout time.Duration `default:"5m" validate:"gt=0"`
	// MaxOutputSize caps captured stdout and stderr, in bytes.
	MaxOutputSize int64 `default:"1048576" validate:"gt=0"`
	Logger        *slog.Logger
}

// CLIRunner shells out to an agent CLI in non-interactive mode.
type CLIRunner struct {
	cfg    CLIConfig
	logger *slog.Logger
}

var _ engine.SubAgentRunner = (*CLIRunner)(nil)

var cliValidate = validator.New()

// NewCLIRunner applies defaults to cfg and validates it.
func NewCLIRunner(cfg CLIConfig) (*CLIRunner, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent config defaults: %v", err).WithCause(err)
	}
	if err := cliValidate.Struct(cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid agent config: %v", err).WithCause(err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{cfg: cfg, logger: logger}, nil
}

// Call is a single prompt invocation.
type Call struct {
	Agent   string
	Prompt  string
	Model   string
	Timeout time.Duration
}

// Run executes the prompt and returns the trimmed stdout.
func (r *CLIRunner) Run(ctx context.Context, call Call) (string, error) {
	if strings.TrimSpace(call.Prompt) == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "agent prompt is empty")
	}
	binary := r.binary(call.Agent)
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	model := call.Model
	if model == "" {
		model = r.cfg.Model
	}

	args := append([]string(nil), r.cfg.Args...)
	args = append(args, "-p", call.Prompt)
	if model != "" {
		args = append(args, "--model", model)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, binary, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: r.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: r.cfg.MaxOutputSize}

	log := logging.LogWith(ctx, r.logger)
	start := time.Now()
	err := cmd.Run()
	log.Debug("agent call finished", "binary", binary, "model", model, "duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", schema.NewErrorf(schema.ErrCodeTimeout, "agent %s timed out after %s", binary, timeout).WithCause(err)
		}
		if ctx.Err() != nil {
			return "", schema.NewErrorf(schema.ErrCodeCancelled, "agent %s cancelled", binary).WithCause(ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "agent %s failed (exit code %d): %s",
				binary, exitErr.ExitCode(), strings.TrimSpace(stderr.String())).
				WithDetails(map[string]any{"stdout": stdout.String(), "stderr": stderr.String()})
		}
		return "", schema.NewErrorf(schema.ErrCodeExecution, "agent %s: %v", binary, err).WithCause(err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RunSubAgent asks the agent to carry out a whole workflow and answer with a
// JSON object of its outputs.
func (r *CLIRunner) RunSubAgent(ctx context.Context, req engine.SubAgentRequest) (any, error) {
	ctx = logging.WithStepID(logging.WithRunID(ctx, req.RunID), req.StepID)
	prompt, err := subAgentPrompt(req)
	if err != nil {
		return nil, err
	}
	text, err := r.Run(ctx, Call{Agent: req.Agent, Prompt: prompt, Model: req.Model, Timeout: req.Timeout})
	if err != nil {
		return nil, err
	}
	return ParseResponse(text), nil
}

func (r *CLIRunner) binary(agent string) string {
	if b, ok := r.cfg.Binaries[agent]; ok && b != "" {
		return b
	}
	return r.cfg.Binary
}

func subAgentPrompt(req engine.SubAgentRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute the workflow defined in %s", req.Path)
	if req.Workflow != nil && req.Workflow.Name != "" {
		fmt.Fprintf(&b, " (%s)", req.Workflow.Name)
	}
	b.WriteString(" step by step.\n")

	if req.Workflow != nil {
		def, err := yaml.Marshal(req.Workflow)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "encode workflow for agent: %v", err).WithCause(err)
		}
		b.WriteString("\nWorkflow:\n```yaml\n")
		b.Write(def)
		b.WriteString("```\n")
	}
	if len(req.Inputs) > 0 {
		in, err := json.MarshalIndent(req.Inputs, "", "  ")
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution, "encode inputs for agent: %v", err).WithCause(err)
		}
		b.WriteString("\nInputs:\n```json\n")
		b.Write(in)
		b.WriteString("\n```\n")
	}
	b.WriteString("\nWhen finished, respond with a single JSON object holding the workflow outputs.")
	return b.String(), nil
}

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	bareObject = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseResponse decodes an agent reply. It tries the whole text, then a
// ```json fenced block, then the outermost braces, and falls back to
// {"output": text}.
func ParseResponse(text string) any {
	text = strings.TrimSpace(text)
	var v any
	if text != "" && json.Unmarshal([]byte(text), &v) == nil {
		return v
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if json.Unmarshal([]byte(m[1]), &v) == nil {
			return v
		}
	}
	if m := bareObject.FindString(text); m != "" {
		if json.Unmarshal([]byte(m), &v) == nil {
			return v
		}
	}
	return map[string]any{"output": text}
}

// limitedWriter discards bytes beyond limit but always reports the full
// length so the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
