package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	ExecuteFile(ctx context.Context, path string, inputs map[string]any, reg engine.ToolRegistry, exec engine.StepExecutor) *schema.WorkflowResult
	ResumeExecution(ctx context.Context, runID, stepID string, resumeData any, reg engine.ToolRegistry, exec engine.StepExecutor) *schema.WorkflowResult
	Status(ctx context.Context, runID string) (*store.Execution, []*store.Checkpoint, error)
	Store() store.Store
	FailoverHistory() []schema.FailoverEvent
	CircuitBreakers() []map[string]any
	ResetCircuitBreakers()
}

var _ Engine = (*engine.Engine)(nil)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine   Engine
	Registry engine.ToolRegistry
	Executor engine.StepExecutor
	Logger   *slog.Logger
}

// Server exposes the workflow engine as MCP tools.
type Server struct {
	engine    Engine
	registry  engine.ToolRegistry
	executor  engine.StepExecutor
	logger    *slog.Logger
	runs      *RunTracker
	notifier  Notifier
	mcpServer *server.MCPServer

	bg sync.WaitGroup
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:   deps.Engine,
		registry: deps.Registry,
		executor: deps.Executor,
		logger:   logger,
		runs:     NewRunTracker(),
	}

	mcpSrv := server.NewMCPServer(
		"stepwise",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.sessionHooks()),
		server.WithInstructions("Stepwise runs declarative workflow files. Use stepwise.run to execute a workflow file, stepwise.resume to continue a run paused at a wait step, stepwise.status to inspect a run and its checkpoints, stepwise.failover_history to see service failovers, and stepwise.reset_breakers to close every circuit breaker."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewSessionNotifier(mcpSrv)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	s.bg.Wait()
	return err
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Wait blocks until every background run has finished.
func (s *Server) Wait() { s.bg.Wait() }

func (s *Server) sessionHooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.runs.DropSession(session.SessionID())
	})
	return hooks
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: failoverHistoryTool(), Handler: s.handleFailoverHistory},
		{Tool: resetBreakersTool(), Handler: s.handleResetBreakers},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepwise.run",
		mcp.WithDescription("Execute a workflow file"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Path to the workflow YAML or JSON file")),
		mcp.WithObject("inputs", mcp.Description("Input parameters for the workflow")),
		mcp.WithBoolean("async", mcp.Description("Return a ticket immediately and notify the session when the run ends")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepwise.resume",
		mcp.WithDescription("Resume a run from a checkpoint"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Step to resume from, usually the paused wait step")),
		mcp.WithObject("data", mcp.Description("Response payload injected as <step_id>_response")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepwise.status",
		mcp.WithDescription("Get a run, an async ticket, or the latest runs"),
		mcp.WithString("run_id", mcp.Description("Run to inspect, with its checkpoints")),
		mcp.WithString("ticket", mcp.Description("Ticket returned by an async stepwise.run")),
		mcp.WithNumber("limit", mcp.Description("How many recent runs to list when no run_id or ticket is given (default 20)")),
	)
}

func failoverHistoryTool() mcp.Tool {
	return mcp.NewTool("stepwise.failover_history",
		mcp.WithDescription("List service failover events recorded by the engine"),
		mcp.WithString("service", mcp.Description("Only events leaving or reaching this service")),
	)
}

func resetBreakersTool() mcp.Tool {
	return mcp.NewTool("stepwise.reset_breakers",
		mcp.WithDescription("Close every circuit breaker and clear service health"),
	)
}
