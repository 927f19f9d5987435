package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/agents"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/plugins"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

// app is the wired dependency graph shared by every command.
type app struct {
	settings Settings
	logger   *slog.Logger
	store    store.Store
	engine   *engine.Engine
	registry *actions.Registry
	agent    *agents.CLIRunner
	events   *streaming.MemoryHub
	plugins  *plugins.Manager
}

func newApp(ctx context.Context, s Settings) (*app, error) {
	logger := logging.New(s.LogLevel, s.LogFormat)

	cfg, err := engine.LoadConfig(s.Engine)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, s.DBPath)
	if err != nil {
		return nil, err
	}

	runner, err := newAgentRunner(s.Agent, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := actions.NewRegistry()
	for _, service := range agentServices(s.Agent) {
		if _, err := runner.Register(reg, service); err != nil {
			st.Close()
			return nil, err
		}
	}

	pm, err := plugins.NewManager(reg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	for _, pc := range s.Plugins {
		if _, err := pm.Load(ctx, pc); err != nil {
			logger.Warn("plugin not loaded", "plugin", pc.Name, "error", err)
		}
	}

	hub := streaming.NewMemoryHub()
	eng, err := engine.New(cfg,
		engine.WithStore(st),
		engine.WithLogger(logger),
		engine.WithEvents(hub),
		engine.WithSubAgent(runner),
		engine.WithRollback(engine.NewRollbackStack()),
	)
	if err != nil {
		pm.Close()
		st.Close()
		return nil, err
	}

	return &app{settings: s, logger: logger, store: st, engine: eng, registry: reg, agent: runner, events: hub, plugins: pm}, nil
}

func (a *app) Close() error {
	return errors.Join(a.plugins.Close(), a.store.Close())
}

// RunFile runs a workflow file against the app registry with the default
// step executor.
func (a *app) RunFile(ctx context.Context, path string, inputs map[string]any) *schema.WorkflowResult {
	return a.engine.ExecuteFile(ctx, path, inputs, a.registry, nil)
}

// watch streams run events to w as JSON lines until the returned stop func
// is called. stop drains buffered events before returning.
func (a *app) watch(ctx context.Context, w io.Writer) (stop func(), err error) {
	ch, cancel, err := a.events.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for ev := range ch {
			_ = enc.Encode(ev)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

// openStore opens the libSQL store at path, or an in-memory store for
// ":memory:".
func openStore(ctx context.Context, path string) (store.Store, error) {
	if path == "" || path == ":memory:" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create %s: %v", filepath.Dir(path), err).WithCause(err)
	}
	st, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newAgentRunner(s AgentSettings, logger *slog.Logger) (*agents.CLIRunner, error) {
	cfg := agents.CLIConfig{
		Binary:   s.Binary,
		Binaries: s.Binaries,
		Args:     s.Args,
		Model:    s.Model,
		WorkDir:  s.WorkDir,
		Logger:   logger,
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent timeout %q: %v", s.Timeout, err).WithCause(err)
		}
		cfg.Timeout = d
	}
	return agents.NewCLIRunner(cfg)
}

// agentServices lists the services agent actions are registered under:
// "agent", the configured agent name and every agent with its own binary.
func agentServices(s AgentSettings) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add("agent")
	add(s.Name)
	names := make([]string, 0, len(s.Binaries))
	for name := range s.Binaries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add(name)
	}
	return out
}
