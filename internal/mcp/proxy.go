package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apexion-ai/agentloop/internal/permission"
	"github.com/apexion-ai/agentloop/internal/tools"
)

// Proxy exposes one server tool as a tools.Tool named mcp__<server>__<tool>.
type Proxy struct {
	server   string
	tool     Tool
	manager  *Manager
	fullName string
}

var _ tools.Tool = (*Proxy)(nil)

// NewProxy wraps t.
func NewProxy(m *Manager, t Tool) *Proxy {
	return &Proxy{
		server:   t.Server,
		tool:     t,
		manager:  m,
		fullName: fmt.Sprintf("mcp__%s__%s", t.Server, t.Tool.Name),
	}
}

func (p *Proxy) Name() string { return p.fullName }

func (p *Proxy) Description() string {
	desc := p.tool.Tool.Description
	if desc == "" {
		desc = p.tool.Tool.Name
	}
	return fmt.Sprintf("[MCP: %s] %s", p.server, desc)
}

func (p *Proxy) Parameters() map[string]any {
	props, _ := schemaMap(p.tool.Tool.InputSchema)["properties"].(map[string]any)
	if props == nil {
		return map[string]any{}
	}
	return props
}

func (p *Proxy) Required() []string {
	var out []string
	switch req := schemaMap(p.tool.Tool.InputSchema)["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = req
	}
	return out
}

// Classify treats a tool as read-only when the server annotates it so or
// mcp.json lists it in read_only_tools; everything else is mutating. The
// target is the server-qualified tool so grants apply per tool.
func (p *Proxy) Classify(json.RawMessage) (permission.Class, string) {
	target := "mcp://" + p.server + "/" + p.tool.Tool.Name
	if a := p.tool.Tool.Annotations; a != nil && a.ReadOnlyHint {
		return permission.ClassReadOnly, target
	}
	if p.tool.Config.isReadOnly(p.tool.Tool.Name) {
		return permission.ClassReadOnly, target
	}
	return permission.ClassMutating, target
}

func (p *Proxy) Execute(ctx context.Context, args json.RawMessage) (tools.Output, error) {
	params := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return tools.Output{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}
	out, isErr, err := p.manager.CallTool(ctx, p.server, p.tool.Tool.Name, params)
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{Content: out, IsError: isErr}, nil
}

// RegisterTools registers a proxy for every tool of every connected server
// and returns how many were added. A name clash with an existing tool skips
// the proxy.
func RegisterTools(m *Manager, r *tools.Registry) int {
	n := 0
	for _, t := range m.Tools() {
		proxy := NewProxy(m, t)
		if err := r.Register(proxy); err != nil {
			m.logger.Warn("mcp tool not registered", "tool", proxy.Name(), "error", err)
			continue
		}
		n++
	}
	return n
}

// schemaMap normalizes InputSchema, which arrives as decoded JSON.
func schemaMap(schema any) map[string]any {
	switch s := schema.(type) {
	case map[string]any:
		return s
	case nil:
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return nil
	}
	return m
}
