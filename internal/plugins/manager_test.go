package plugins

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer exposes echo (JSON text), shout (plain text) and broken (tool error).
func fakeServer() *server.MCPServer {
	s := server.NewMCPServer("fake", "0.1.0", server.WithToolCapabilities(true))
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the text back as JSON"),
		mcp.WithString("text", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"echo": "` + req.GetString("text", "") + `"}`), nil
	})
	s.AddTool(mcp.NewTool("shout",
		mcp.WithString("text"),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(req.GetString("text", "") + "!"), nil
	})
	s.AddTool(mcp.NewTool("broken"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("disk on fire"), nil
	})
	return s
}

func attachFake(t *testing.T) (*Manager, *actions.Registry) {
	t.Helper()
	c, err := client.NewInProcessClient(fakeServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	reg := actions.NewRegistry()
	m, err := NewManager(reg, discardLogger())
	require.NoError(t, err)
	n, err := m.Attach(context.Background(), "fake", c)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	return m, reg
}

func execute(t *testing.T, reg *actions.Registry, name string, params map[string]any) (any, error) {
	t.Helper()
	act, err := reg.Get(name)
	require.NoError(t, err)
	if err := act.Validate(params); err != nil {
		return nil, err
	}
	out, err := act.Execute(context.Background(), actions.ActionInput{Params: params})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// stubClient drives the health checks without a server.
type stubClient struct {
	Client
	pingErr error
	closed  bool
}

func (s *stubClient) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (s *stubClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: []mcp.Tool{mcp.NewTool("noop")}}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }
func (s *stubClient) Close() error              { s.closed = true; return nil }

// --- Tests ---

func TestAttach_RegistersTools(t *testing.T) {
	m, reg := attachFake(t)

	assert.True(t, reg.Has("fake.echo"))
	assert.True(t, reg.Has("fake.shout"))
	assert.True(t, reg.Has("fake.broken"))

	act, err := reg.Get("fake.echo")
	require.NoError(t, err)
	assert.Equal(t, "Echo the text back as JSON", act.Schema().Description)
	assert.Equal(t, "object", act.Schema().InputSchema["type"])

	st := m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, Status{Name: "fake", Status: StatusHealthy, Tools: []string{"broken", "echo", "shout"}}, st[0])
}

func TestAttach_Duplicate(t *testing.T) {
	m, _ := attachFake(t)

	_, err := m.Attach(context.Background(), "fake", &stubClient{})

	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestToolAction_Outputs(t *testing.T) {
	_, reg := attachFake(t)

	out, err := execute(t, reg, "fake.echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "hi"}, out)

	out, err = execute(t, reg, "fake.shout", map[string]any{"text": "hey"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output": "hey!"}, out)
}

func TestToolAction_ValidatesInput(t *testing.T) {
	_, reg := attachFake(t)

	_, err := execute(t, reg, "fake.echo", map[string]any{})

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestToolAction_ToolError(t *testing.T) {
	_, reg := attachFake(t)

	_, err := execute(t, reg, "fake.broken", nil)

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestToolAction_InWorkflow(t *testing.T) {
	_, reg := attachFake(t)
	eng, err := engine.New(engine.DefaultConfig(), engine.WithLogger(discardLogger()))
	require.NoError(t, err)

	wf := &schema.Workflow{ID: "plug", Steps: []*schema.Step{
		{ID: "say", Action: "fake.echo", Inputs: map[string]any{"text": "{{ inputs.word }}"}},
	}}
	res := eng.Execute(context.Background(), wf, map[string]any{"word": "ok"}, reg, nil)

	require.Equal(t, schema.RunStatusCompleted, res.Status, res.Error)
	assert.Equal(t, map[string]any{"echo": "ok"}, res.Steps[0].Output)
}

func TestHealthCheck(t *testing.T) {
	reg := actions.NewRegistry()
	m, err := NewManager(reg, discardLogger())
	require.NoError(t, err)
	stub := &stubClient{pingErr: errors.New("broken pipe")}
	_, err = m.Attach(context.Background(), "flaky", stub)
	require.NoError(t, err)

	for i := 0; i < unhealthyAfter-1; i++ {
		m.HealthCheck(context.Background())
	}
	assert.Equal(t, StatusHealthy, m.Status()[0].Status)

	m.HealthCheck(context.Background())
	st := m.Status()[0]
	assert.Equal(t, StatusUnhealthy, st.Status)
	assert.Equal(t, unhealthyAfter, st.ErrCount)
	assert.Equal(t, "broken pipe", st.LastError)

	stub.pingErr = nil
	m.HealthCheck(context.Background())
	assert.Equal(t, Status{Name: "flaky", Status: StatusHealthy, Tools: []string{"noop"}}, m.Status()[0])
}

func TestClose(t *testing.T) {
	m, err := NewManager(actions.NewRegistry(), discardLogger())
	require.NoError(t, err)
	stub := &stubClient{}
	_, err = m.Attach(context.Background(), "p", stub)
	require.NoError(t, err)

	require.NoError(t, m.Close())

	assert.True(t, stub.closed)
	assert.Equal(t, StatusStopped, m.Status()[0].Status)
	m.HealthCheck(context.Background())
	assert.Equal(t, StatusStopped, m.Status()[0].Status)
}

func TestLoad_RequiresNameAndCommand(t *testing.T) {
	m, err := NewManager(actions.NewRegistry(), discardLogger())
	require.NoError(t, err)

	_, err = m.Load(context.Background(), Config{Name: "x"})

	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
