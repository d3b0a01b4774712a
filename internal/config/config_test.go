package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexion-ai/agentloop/internal/permission"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Provider != "openai" {
		t.Errorf("expected default provider 'openai', got %q", cfg.Provider)
	}
	if cfg.Loop.MaxIterations != 50 {
		t.Errorf("expected default max_iterations 50, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Loop.Workers)
	}
	if cfg.Policy() != permission.PolicyAuto {
		t.Errorf("expected default policy auto, got %q", cfg.Policy())
	}
	if !cfg.Approval.BlockDangerous {
		t.Error("expected block_dangerous default true")
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("expected store backend file, got %q", cfg.Store.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	// Should return default config.
	if cfg.Provider != "openai" {
		t.Errorf("expected default provider, got %q", cfg.Provider)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	yaml := `
provider: deepseek
model: deepseek-chat
context_window: 64000
providers:
  deepseek:
    api_key: "sk-test"
    base_url: "https://api.deepseek.com/v1"
approval:
  policy: auto-edit
  block_dangerous: false
loop:
  max_iterations: 20
  tool_timeout: 45s
context:
  budget: 5000
  metric: chars
store:
  backend: sqlite
log:
  level: debug
  format: json
`
	os.WriteFile(path, []byte(yaml), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if cfg.Provider != "deepseek" {
		t.Errorf("expected provider 'deepseek', got %q", cfg.Provider)
	}
	if cfg.ResolvedModel() != "deepseek-chat" {
		t.Errorf("expected model 'deepseek-chat', got %q", cfg.ResolvedModel())
	}
	if cfg.ContextWindow != 64000 {
		t.Errorf("expected context_window 64000, got %d", cfg.ContextWindow)
	}
	if cfg.Policy() != permission.PolicyAutoEdit {
		t.Errorf("expected policy auto-edit, got %q", cfg.Policy())
	}
	if cfg.Approval.BlockDangerous {
		t.Error("expected block_dangerous false from yaml")
	}
	if cfg.Loop.MaxIterations != 20 {
		t.Errorf("expected max_iterations 20, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.ToolTimeout != 45*time.Second {
		t.Errorf("expected tool_timeout 45s, got %s", cfg.Loop.ToolTimeout)
	}
	if cfg.Loop.Workers != 4 {
		t.Errorf("unset workers should keep default 4, got %d", cfg.Loop.Workers)
	}
	if cfg.Context.Budget != 5000 || cfg.Context.Metric != "chars" {
		t.Errorf("unexpected context section: %+v", cfg.Context)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.Store.Backend)
	}
	pc := cfg.GetProviderConfig("deepseek")
	if pc.APIKey != "sk-test" {
		t.Errorf("expected api_key 'sk-test', got %q", pc.APIKey)
	}
	if cfg.ResolvedBaseURL() != "https://api.deepseek.com/v1" {
		t.Errorf("unexpected base url %q", cfg.ResolvedBaseURL())
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	os.WriteFile(path, []byte("{{invalid yaml"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown policy", func(c *Config) { c.Approval.Policy = "sometimes" }},
		{"zero workers", func(c *Config) { c.Loop.Workers = 0 }},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }},
		{"zero timeout", func(c *Config) { c.Loop.ToolTimeout = 0 }},
		{"bad metric", func(c *Config) { c.Context.Metric = "words" }},
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad metrics addr", func(c *Config) { c.Metrics.Addr = "not an addr" }},
		{"bad base url", func(c *Config) { c.Providers["x"] = &ProviderConfig{BaseURL: "::"} }},
		{"no provider", func(c *Config) { c.Provider = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	os.WriteFile(path, []byte("provider: openai\n"), 0644)

	t.Setenv("LLM_API_KEY", "env-key-123")
	t.Setenv("LLM_BASE_URL", "https://custom.api.com/v1")
	t.Setenv("LLM_MODEL", "custom-model")
	t.Setenv("AGENTLOOP_PROVIDER", "deepseek")
	t.Setenv("AGENTLOOP_POLICY", "never")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider != "deepseek" {
		t.Errorf("AGENTLOOP_PROVIDER should override, got %q", cfg.Provider)
	}
	if cfg.Model != "custom-model" {
		t.Errorf("LLM_MODEL should override, got %q", cfg.Model)
	}
	if cfg.Policy() != permission.PolicyNever {
		t.Errorf("AGENTLOOP_POLICY should override, got %q", cfg.Policy())
	}
	// LLM_API_KEY applies to the provider named in the file, before AGENTLOOP_PROVIDER.
	pc := cfg.GetProviderConfig("openai")
	if pc.APIKey != "env-key-123" {
		t.Errorf("LLM_API_KEY should set openai api_key, got %q", pc.APIKey)
	}
	if pc.BaseURL != "https://custom.api.com/v1" {
		t.Errorf("LLM_BASE_URL should set base_url, got %q", pc.BaseURL)
	}
}

func TestLoad_AnthropicAPIKey(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	os.WriteFile(path, []byte("provider: anthropic\n"), 0644)

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pc := cfg.GetProviderConfig("anthropic")
	if pc.APIKey != "sk-ant-test" {
		t.Errorf("ANTHROPIC_API_KEY should set anthropic api_key, got %q", pc.APIKey)
	}
}

func TestGetProviderConfig_Unknown(t *testing.T) {
	cfg := DefaultConfig()
	pc := cfg.GetProviderConfig("nonexistent")
	if pc == nil {
		t.Fatal("expected non-nil provider config for unknown provider")
	}
	if pc.APIKey != "" {
		t.Error("expected empty api_key for unknown provider")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if err := WriteDefault(path, false); !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected ErrConfigExists, got %v", err)
	}
	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("forced WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("template should parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("template should validate: %v", err)
	}
	if cfg.Loop.ToolTimeout != 5*time.Minute {
		t.Errorf("expected tool_timeout 5m, got %s", cfg.Loop.ToolTimeout)
	}
}
