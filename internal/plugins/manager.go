package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// unhealthyAfter is the number of consecutive failed pings that marks a
// plugin unhealthy.
const unhealthyAfter = 3

// Manager loads MCP servers as plugins and registers their tools as
// "<plugin>.<tool>" actions.
type Manager struct {
	registry  *actions.Registry
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
}

type managedPlugin struct {
	name     string
	client   Client
	tools    []string
	status   string
	errCount int
	lastErr  string
}

// NewManager creates a Manager that registers into registry.
func NewManager(registry *actions.Registry, logger *slog.Logger) (*Manager, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:  registry,
		validator: v,
		logger:    logger,
		plugins:   make(map[string]*managedPlugin),
	}, nil
}

// Load starts the MCP server described by cfg over stdio and attaches it.
func (m *Manager) Load(ctx context.Context, cfg Config) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin needs a name and a command")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "start plugin %q: %v", cfg.Name, err).WithCause(err)
	}
	n, err := m.Attach(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return 0, err
	}
	return n, nil
}

// Attach performs the MCP handshake on an already started client, lists its
// tools and registers them. It returns the number of registered actions.
func (m *Manager) Attach(ctx context.Context, name string, c Client) (int, error) {
	m.mu.RLock()
	_, exists := m.plugins[name]
	m.mu.RUnlock()
	if exists {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", name)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "stepwise", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "handshake with plugin %q: %v", name, err).WithCause(err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "list tools of plugin %q: %v", name, err).WithCause(err)
	}

	acts := make([]actions.Action, 0, len(listed.Tools))
	names := make([]string, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		acts = append(acts, &toolAction{
			plugin:      name,
			name:        tool.Name,
			description: tool.Description,
			inputSchema: inputSchemaOf(tool),
			client:      c,
			validator:   m.validator,
		})
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	n, err := m.registry.RegisterService(name, acts)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.plugins[name] = &managedPlugin{name: name, client: c, tools: names, status: StatusHealthy}
	m.mu.Unlock()

	m.logger.Info("plugin loaded", slog.String("plugin", name), slog.Int("tools", n))
	return n, nil
}

// HealthCheck pings every plugin once and updates its status.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.mu.RLock()
	list := make([]*managedPlugin, 0, len(m.plugins))
	for _, mp := range m.plugins {
		list = append(list, mp)
	}
	m.mu.RUnlock()

	for _, mp := range list {
		err := mp.client.Ping(ctx)

		m.mu.Lock()
		if mp.status == StatusStopped {
			m.mu.Unlock()
			continue
		}
		if err == nil {
			if mp.status != StatusHealthy {
				m.logger.Info("plugin recovered", slog.String("plugin", mp.name))
			}
			mp.errCount = 0
			mp.lastErr = ""
			mp.status = StatusHealthy
			m.mu.Unlock()
			continue
		}
		mp.errCount++
		mp.lastErr = err.Error()
		if mp.errCount >= unhealthyAfter && mp.status != StatusUnhealthy {
			mp.status = StatusUnhealthy
			m.logger.Warn("plugin unhealthy",
				slog.String("plugin", mp.name),
				slog.Int("consecutive_errors", mp.errCount),
				slog.String("error", mp.lastErr),
			)
		}
		m.mu.Unlock()
	}
}

// Monitor runs HealthCheck every interval until ctx is done.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HealthCheck(ctx)
		}
	}
}

// Status returns every plugin sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.plugins))
	for _, mp := range m.plugins {
		out = append(out, Status{
			Name:      mp.name,
			Status:    mp.status,
			Tools:     append([]string(nil), mp.tools...),
			ErrCount:  mp.errCount,
			LastError: mp.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close shuts every plugin client down. Registered actions stay in the
// registry and fail once their client is gone.
func (m *Manager) Close() error {
	m.mu.Lock()
	list := make([]*managedPlugin, 0, len(m.plugins))
	for _, mp := range m.plugins {
		mp.status = StatusStopped
		list = append(list, mp)
	}
	m.mu.Unlock()

	var errs []error
	for _, mp := range list {
		if err := mp.client.Close(); err != nil {
			errs = append(errs, err)
			m.logger.Error("failed to stop plugin", slog.String("plugin", mp.name), slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}

// inputSchemaOf returns the tool input schema as a generic map, honouring a
// raw schema when the server sent one.
func inputSchemaOf(tool mcp.Tool) map[string]any {
	raw, err := json.Marshal(tool)
	if err != nil {
		return nil
	}
	var doc struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if json.Unmarshal(raw, &doc) != nil {
		return nil
	}
	return doc.InputSchema
}

// toolAction exposes one MCP tool as an Action.
type toolAction struct {
	plugin      string
	name        string
	description string
	inputSchema map[string]any
	client      Client
	validator   *validation.JSONSchemaValidator
}

func (a *toolAction) Name() string { return a.name }

func (a *toolAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{InputSchema: a.inputSchema, Description: a.description}
}

func (a *toolAction) Validate(input map[string]any) error {
	return a.validator.ValidateInputMap(input, a.inputSchema)
}

func (a *toolAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = a.name
	req.Params.Arguments = input.Params

	res, err := a.client.CallTool(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "plugin tool %s.%s timed out", a.plugin, a.name).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin tool %s.%s: %v", a.plugin, a.name, err).WithCause(err)
	}
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin tool %s.%s failed: %s", a.plugin, a.name, resultText(res))
	}
	return &actions.ActionOutput{Data: resultData(res)}, nil
}

func resultText(res *mcp.CallToolResult) string {
	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if t := mcp.GetTextFromContent(c); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n")
}

// resultData prefers structured content, then JSON text, then
// {"output": text}.
func resultData(res *mcp.CallToolResult) any {
	var v any
	switch sc := res.StructuredContent.(type) {
	case nil:
	case json.RawMessage:
		if err := json.Unmarshal(sc, &v); err == nil {
			return v
		}
	default:
		return sc
	}
	text := resultText(res)
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return map[string]any{"output": text}
}
