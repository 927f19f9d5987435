package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
	}
	return action, nil
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{Name: a.Name(), Description: a.Schema().Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterService registers acts under one service, naming each
// "service.<action name>". Registering the same method set under several
// services is how failover targets are made interchangeable.
func (r *Registry) RegisterService(service string, acts []Action) (int, error) {
	if service == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "service name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, a := range acts {
		name := service + "." + a.Name()
		if _, exists := r.actions[name]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
		}
		r.actions[name] = &serviceAction{inner: a, name: name}
		registered++
	}
	return registered, nil
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// serviceAction wraps an action with its service-qualified name.
type serviceAction struct {
	inner Action
	name  string
}

func (p *serviceAction) Name() string                        { return p.name }
func (p *serviceAction) Schema() ActionSchema                { return p.inner.Schema() }
func (p *serviceAction) Validate(input map[string]any) error { return p.inner.Validate(input) }

func (p *serviceAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return p.inner.Execute(ctx, input)
}

var _ ActionRegistry = (*Registry)(nil)
