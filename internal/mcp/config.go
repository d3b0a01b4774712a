// Package mcp connects to external Model Context Protocol servers and exposes
// their tools to the agent loop as ordinary registry tools.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// ServerType is the MCP transport.
type ServerType string

const (
	ServerTypeStdio ServerType = "stdio" // child process stdin/stdout
	ServerTypeHTTP  ServerType = "http"  // streamable HTTP
	ServerTypeSSE   ServerType = "sse"   // legacy HTTP+SSE
)

// ServerConfig holds the settings of one server. The layout follows the
// common mcp.json format:
//
//	{
//	  "command": "npx",
//	  "args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"],
//	  "env": { "KEY": "${ENV_VAR}" },
//	  "read_only_tools": ["read_file", "list_directory"]
//	}
type ServerConfig struct {
	// Type is inferred from Command/URL when empty.
	Type ServerType `json:"type,omitempty"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// ReadOnlyTools names the server's tools that run without approval under
	// the auto policies. Tools the server annotates as read-only count too.
	ReadOnlyTools []string `json:"read_only_tools,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// EffectiveType infers the transport.
func (c *ServerConfig) EffectiveType() ServerType {
	if c.Type != "" {
		return c.Type
	}
	if c.URL != "" {
		return ServerTypeHTTP
	}
	return ServerTypeStdio
}

func (c *ServerConfig) isReadOnly(tool string) bool {
	return slices.Contains(c.ReadOnlyTools, tool)
}

// Config is the top-level structure of an mcp.json file.
type Config struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ConfigPaths returns the mcp.json locations, lowest priority first.
func ConfigPaths(cwd string) []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentloop", "mcp.json"))
	}
	if cwd != "" {
		paths = append(paths, filepath.Join(cwd, ".agentloop", "mcp.json"))
	}
	return paths
}

// LoadConfig merges the global and project mcp.json files, then any extra
// files; a later server replaces an earlier one of the same name. ${VAR} and
// $VAR references are expanded from the environment. Missing files are not
// an error, broken ones are. Disabled servers are dropped.
func LoadConfig(cwd string, extra ...string) (*Config, error) {
	return loadConfigFiles(append(ConfigPaths(cwd), extra...))
}

func loadConfigFiles(paths []string) (*Config, error) {
	merged := &Config{Servers: make(map[string]ServerConfig)}
	for _, path := range paths {
		cfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			continue
		}
		for name, srv := range cfg.Servers {
			merged.Servers[name] = srv
		}
	}
	for name, srv := range merged.Servers {
		if srv.Disabled {
			delete(merged.Servers, name)
			continue
		}
		merged.Servers[name] = expandServerConfig(srv)
	}
	return merged, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mcp config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	return &cfg, nil
}

func expandServerConfig(srv ServerConfig) ServerConfig {
	srv.Command = os.ExpandEnv(srv.Command)
	srv.URL = os.ExpandEnv(srv.URL)

	args := make([]string, len(srv.Args))
	for i, a := range srv.Args {
		args[i] = os.ExpandEnv(a)
	}
	srv.Args = args
	srv.Env = expandMap(srv.Env)
	srv.Headers = expandMap(srv.Headers)
	return srv
}

func expandMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
