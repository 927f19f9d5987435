package plugins

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Client is the slice of an MCP client a plugin needs. *client.Client from
// mcp-go satisfies it.
type Client interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config describes how to launch an MCP server whose tools become actions
// of the service Name.
type Config struct {
	Name    string   `yaml:"name" json:"name"`
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env     []string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Plugin status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

// Status is a point-in-time view of a loaded plugin.
type Status struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Tools     []string `json:"tools"`
	ErrCount  int      `json:"err_count,omitempty"`
	LastError string   `json:"last_error,omitempty"`
}
