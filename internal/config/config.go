// Package config loads and manages agentloop configuration.
// Configuration source priority (highest to lowest):
// 1. CLI flags (applied by cmd)
// 2. Environment variables (LLM_API_KEY, LLM_BASE_URL, LLM_MODEL, ANTHROPIC_API_KEY, AGENTLOOP_*)
// 3. Config file path specified via --config flag
// 4. ~/.config/agentloop/config.yaml
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/apexion-ai/agentloop/internal/permission"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

//go:embed providers_default.yaml
var defaultProvidersYAML []byte

// ProviderDefaults holds the default base URL and model for a provider.
type ProviderDefaults struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LoadProviderDefaults parses the embedded defaults and merges any user
// overrides from ~/.config/agentloop/providers.yaml.
func LoadProviderDefaults() map[string]ProviderDefaults {
	defs := make(map[string]ProviderDefaults)
	_ = yaml.Unmarshal(defaultProvidersYAML, &defs)

	dir, err := ConfigDir()
	if err != nil {
		return defs
	}
	data, err := os.ReadFile(filepath.Join(dir, "providers.yaml"))
	if err != nil {
		return defs
	}
	userDefs := make(map[string]ProviderDefaults)
	if yaml.Unmarshal(data, &userDefs) != nil {
		return defs
	}
	for name, ud := range userDefs {
		d := defs[name]
		if ud.BaseURL != "" {
			d.BaseURL = ud.BaseURL
		}
		if ud.DefaultModel != "" {
			d.DefaultModel = ud.DefaultModel
		}
		defs[name] = d
	}
	return defs
}

// ProviderConfig holds configuration for a single provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Model   string `yaml:"model"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	// Policy: yolo | auto | auto-edit | on-request | never
	Policy string `yaml:"policy" validate:"policy"`

	// RulesFile is an optional rego module evaluated after the policy table.
	RulesFile string `yaml:"rules_file"`

	// WorkspaceRoot bounds mutating targets; empty = current directory.
	WorkspaceRoot string `yaml:"workspace_root"`

	// BlockDangerous blocks destructive shell commands under every policy but yolo.
	BlockDangerous bool `yaml:"block_dangerous"`
}

// LoopConfig bounds one agent run.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations" validate:"gte=1,lte=1000"`
	Workers       int           `yaml:"workers" validate:"gte=1,lte=64"`
	ToolTimeout   time.Duration `yaml:"tool_timeout" validate:"gt=0"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	MaxTokens     int           `yaml:"max_tokens" validate:"gte=1"`
	OutputLimit   int           `yaml:"output_limit" validate:"gte=1024"`
}

// ContextConfig controls history compaction.
type ContextConfig struct {
	// Budget in Metric units; 0 derives it from the model's context window.
	Budget int `yaml:"budget" validate:"gte=0"`
	// Tail is how many recent turns survive compaction verbatim.
	Tail int `yaml:"tail" validate:"gte=0"`
	// Metric: tokens | chars
	Metric string `yaml:"metric" validate:"oneof=tokens chars"`
	// SummaryModel is an optional cheaper model for summaries.
	SummaryModel string `yaml:"summary_model"`
}

// StoreConfig selects the session backend.
type StoreConfig struct {
	// Backend: file | sqlite
	Backend string `yaml:"backend" validate:"oneof=file sqlite"`
	// Dir holds sessions (file) or sessions.db (sqlite); empty = data dir.
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9464".
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type TraceConfig struct {
	// File receives stdout-exporter spans when set.
	File string `yaml:"file"`
}

// Config is the complete configuration structure for agentloop.
type Config struct {
	// Provider is the active provider name (e.g. "deepseek", "anthropic", "openai")
	Provider string `yaml:"provider" validate:"required"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Providers holds per-provider configuration.
	Providers map[string]*ProviderConfig `yaml:"providers" validate:"dive"`

	// SystemPrompt is a custom system prompt (empty uses default).
	SystemPrompt string `yaml:"system_prompt"`

	// ContextWindow overrides the provider's default context window size.
	// 0 = use provider default.
	ContextWindow int `yaml:"context_window" validate:"gte=0"`

	// MCPConfig is the path of an mcp.json server list; empty = none.
	MCPConfig string `yaml:"mcp_config"`

	Approval ApprovalConfig `yaml:"approval"`
	Loop     LoopConfig     `yaml:"loop"`
	Context  ContextConfig  `yaml:"context"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Trace    TraceConfig    `yaml:"trace"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:  "openai",
		Providers: make(map[string]*ProviderConfig),
		Approval: ApprovalConfig{
			Policy:         string(permission.PolicyAuto),
			BlockDangerous: true,
		},
		Loop: LoopConfig{
			MaxIterations: 50,
			Workers:       4,
			ToolTimeout:   300 * time.Second,
			RetryBackoff:  2 * time.Second,
			MaxTokens:     8192,
			OutputLimit:   32 * 1024,
		},
		Context: ContextConfig{
			Tail:   10,
			Metric: "tokens",
		},
		Store:  StoreConfig{Backend: "file"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Events: EventsConfig{Enabled: true},
	}
}

// ConfigDir returns ~/.config/agentloop.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "agentloop"), nil
}

// DataDir returns ~/.local/share/agentloop.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "agentloop"), nil
}

// DefaultPath returns ~/.config/agentloop/config.yaml.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file and merges environment variable overrides.
// A missing file yields the defaults. The result is not validated; callers
// apply flag overrides first and then call Validate.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		if p, err := DefaultPath(); err == nil {
			configPath = p
		}
	}

	// Read config file (use defaults if not found)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]*ProviderConfig)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("policy", func(fl validator.FieldLevel) bool {
		return permission.Policy(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks field constraints. Failures wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Policy returns the parsed approval policy.
func (c *Config) Policy() permission.Policy {
	p, err := permission.ParsePolicy(c.Approval.Policy)
	if err != nil {
		return permission.PolicyAuto
	}
	return p
}

// GetProviderConfig returns the config for the named provider, or an empty config if not found.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	if pc, ok := c.Providers[name]; ok && pc != nil {
		return pc
	}
	return &ProviderConfig{}
}

// ResolvedModel is the model to use: the global override, then the
// provider's configured model, then the built-in default.
func (c *Config) ResolvedModel() string {
	if c.Model != "" {
		return c.Model
	}
	if m := c.GetProviderConfig(c.Provider).Model; m != "" {
		return m
	}
	return KnownProviderModels[c.Provider]
}

// ResolvedBaseURL is the configured base URL or the built-in one.
func (c *Config) ResolvedBaseURL() string {
	if u := c.GetProviderConfig(c.Provider).BaseURL; u != "" {
		return u
	}
	return KnownProviderBaseURLs[c.Provider]
}

var (
	// KnownProviderBaseURLs maps well-known provider names to their base URLs.
	// Populated from providers_default.yaml (embedded) + user overrides.
	KnownProviderBaseURLs map[string]string

	// KnownProviderModels maps well-known provider names to their default models.
	// Populated from providers_default.yaml (embedded) + user overrides.
	KnownProviderModels map[string]string
)

func init() {
	defs := LoadProviderDefaults()
	KnownProviderBaseURLs = make(map[string]string, len(defs))
	KnownProviderModels = make(map[string]string, len(defs))
	for name, d := range defs {
		if d.BaseURL != "" {
			KnownProviderBaseURLs[name] = d.BaseURL
		}
		if d.DefaultModel != "" {
			KnownProviderModels[name] = d.DefaultModel
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	// Generic overrides
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		providerEntry(cfg, cfg.Provider).APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		providerEntry(cfg, cfg.Provider).BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}

	// Anthropic-specific
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		providerEntry(cfg, "anthropic").APIKey = v
	}

	if v := os.Getenv("AGENTLOOP_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("AGENTLOOP_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AGENTLOOP_POLICY"); v != "" {
		cfg.Approval.Policy = v
	}
}

func providerEntry(cfg *Config, name string) *ProviderConfig {
	if cfg.Providers[name] == nil {
		cfg.Providers[name] = &ProviderConfig{}
	}
	return cfg.Providers[name]
}
