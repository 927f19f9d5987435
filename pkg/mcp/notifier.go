package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes run notifications to connected MCP sessions.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// SessionNotifier implements Notifier with MCP server notifications.
type SessionNotifier struct {
	mcpServer *server.MCPServer
}

// NewSessionNotifier creates a notifier bound to an MCP server.
func NewSessionNotifier(mcpServer *server.MCPServer) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer}
}

// Notify sends a notifications/message to the session. Best-effort: a session
// that has gone away is not an error.
func (n *SessionNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	if sessionID == "" {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		return nil
	}
	return err
}
