package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrConfigExists is returned by WriteDefault when the file is already there.
var ErrConfigExists = errors.New("config file already exists")

const defaultTemplate = `# agentloop configuration
# Environment overrides: LLM_API_KEY, LLM_BASE_URL, LLM_MODEL, ANTHROPIC_API_KEY,
# AGENTLOOP_PROVIDER, AGENTLOOP_MODEL, AGENTLOOP_POLICY.

provider: openai
# model: gpt-4o

providers:
  openai:
    api_key: ""
  # anthropic:
  #   api_key: ""

# mcp_config: ~/.config/agentloop/mcp.json

approval:
  # yolo | auto | auto-edit | on-request | never
  policy: auto
  # rules_file: ~/.config/agentloop/rules.rego
  # workspace_root: .
  block_dangerous: true

loop:
  max_iterations: 50
  workers: 4
  tool_timeout: 5m
  retry_backoff: 2s
  max_tokens: 8192
  output_limit: 32768

context:
  # 0 derives the budget from the model's context window
  budget: 0
  tail: 10
  # tokens | chars
  metric: tokens

store:
  # file | sqlite
  backend: file
  # dir: ~/.local/share/agentloop

log:
  level: info
  format: text
  # file: ~/.local/share/agentloop/agentloop.log

events:
  enabled: true

# metrics:
#   addr: 127.0.0.1:9464

# trace:
#   file: ~/.local/share/agentloop/trace.jsonl
`

// DefaultTemplate returns the commented default config file.
func DefaultTemplate() string { return defaultTemplate }

// WriteDefault writes the commented default config to path.
// An existing file is kept unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
