// Package tools hosts the built-in tool backends (calendar, kanban,
// datasafe, directory, email actions) and the registry the decision
// engine executes them through. Identity flows in via context values,
// never via mutable tool fields, so one registry serves concurrent
// flows.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/providers"
)

// Tool is one callable function exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry groups tools. Immutable after startup; Register during
// wiring only.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		slog.Warn("tools.register_overwrite", "tool", t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs one tool. Unknown tools return an error result rather
// than failing the round; the LLM can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}
	return t.Execute(ctx, args)
}

// Defs renders the registry as provider tool definitions, restricted to
// the given names; nil selects everything.
func (r *Registry) Defs(only []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed := func(string) bool { return true }
	if only != nil {
		set := make(map[string]bool, len(only))
		for _, n := range only {
			set[n] = true
		}
		allowed = func(n string) bool { return set[n] }
	}

	var names []string
	for n := range r.tools {
		if allowed(n) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// argString pulls a string argument, tolerating absence.
func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// argInt pulls a numeric argument (JSON numbers decode as float64).
func argInt(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func parseUUIDArg(args map[string]interface{}, key string) (uuid.UUID, error) {
	raw := argString(args, key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("'%s' is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("'%s' is not a valid id", key)
	}
	return id, nil
}
