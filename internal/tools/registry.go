package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/apexion-ai/agentloop/internal/provider"
)

// Registry holds the tools available for a run. It is populated at startup
// and frozen before the first model call.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	frozen bool
}

type entry struct {
	tool   Tool
	schema *jsonschema.Resolved
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool and compiles its argument schema.
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t)
	if err != nil {
		return fmt.Errorf("register %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s: %w", t.Name(), ErrRegistryFrozen)
	}
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("register %s: %w", t.Name(), ErrDuplicateTool)
	}
	r.tools[t.Name()] = &entry{tool: t, schema: schema}
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	result := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		result = append(result, e.tool)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// Schemas returns the tool definitions sent to the model.
func (r *Registry) Schemas() []provider.ToolSchema {
	tools := r.All()
	schemas := make([]provider.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, provider.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
			Required:    t.Required(),
		})
	}
	return schemas
}

// Validate checks args against the named tool's schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var instance any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
		}
	}
	if err := e.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return nil
}

func compileSchema(t Tool) (*jsonschema.Resolved, error) {
	doc := map[string]any{
		"type":       "object",
		"properties": t.Parameters(),
	}
	if req := t.Required(); len(req) > 0 {
		doc["required"] = req
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return resolved, nil
}
