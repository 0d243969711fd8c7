// Package tools defines the tool contract and the registry the agent loop
// dispatches through, plus the built-in tool set (filesystem, shell, web,
// messaging).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/minibot/internal/providers"
)

// Tool is a capability the model can invoke by name.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Returned errors are converted to error text by
	// the registry; tools never abort the agent loop.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ContextBound is implemented by tools whose side effects must route to the
// conversation being processed (message, spawn, cron). The loop rebinds them
// before each request.
type ContextBound interface {
	SetContext(channel, chatID string)
}

// Registry holds the available tools with thread-safe registration, lookup,
// and dispatch. Argument payloads are validated against each tool's schema
// before invocation.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	schemas  map[string]*jsonschema.Schema
	ordering []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool of the same name. The
// tool's schema is compiled on registration; a schema that does not compile
// registers the tool without argument validation.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.ordering = append(r.ordering, name)
	}
	r.tools[name] = tool

	if compiled, err := compileSchema(name, tool.Schema()); err == nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordering))
	copy(out, r.ordering)
	return out
}

// Definitions returns the registered tools as function definitions for the
// provider, in registration order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.ordering))
	for _, name := range r.ordering {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Schema(),
			},
		})
	}
	return defs
}

// BindContext rebinds every context-aware tool to the given conversation.
func (r *Registry) BindContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tool := range r.tools {
		if bound, ok := tool.(ContextBound); ok {
			bound.SetContext(channel, chatID)
		}
	}
}

// Execute runs a tool by name and always returns text. Missing tools,
// schema violations, execution errors, and panics all become error text so
// the model sees the failure and can adapt; one result is produced for every
// call.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			result = fmt.Sprintf("Error: tool %s panicked: %v", name, rec)
		}
	}()

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("Error: unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if schema != nil {
		if err := schema.Validate(normalizeForValidation(args)); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)
		}
	}

	out, err := tool.Execute(ctx, args)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

// normalizeForValidation round-trips args through JSON so numeric types match
// what the schema validator expects.
func normalizeForValidation(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}

// stringArg extracts an optional string argument.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg extracts an optional integer argument, tolerating JSON numbers.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
