package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/providers"
)

// Tool is one executable capability exposed to the model.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. The returned string is sent to the model
	// verbatim, subject to the executor's size bound.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// ResourceKeyer is implemented by tools whose calls must be serialized
// when they target the same underlying resource. Calls with equal
// non-empty keys never run concurrently; an empty key opts the call out.
type ResourceKeyer interface {
	ResourceKey(input json.RawMessage) string
}

// Registry holds the registered tools and their compiled argument
// schemas. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its argument schema. A tool with no
// schema skips argument validation.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("toolexec: tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("toolexec: tool %q already registered", name)
	}

	if schema := tool.Schema(); len(schema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(schema)); err != nil {
			return fmt.Errorf("toolexec: invalid schema for %q: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("toolexec: invalid schema for %q: %w", name, err)
		}
		r.schemas[name] = compiled
	}

	r.tools[name] = tool
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ValidateArgs checks call arguments against the tool's compiled
// schema. Tools without a schema accept anything.
func (r *Registry) ValidateArgs(name string, input json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}

	var decoded any
	raw := input
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}

// Definitions returns provider-facing tool definitions, sorted by name
// for stable prompts.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
