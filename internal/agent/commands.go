package agent

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

var errMissingArg = errors.New("missing required argument")

// CustomCommand is a user-defined slash command: a Markdown file whose
// optional YAML frontmatter names the command and its arguments and whose
// body is a text/template expanded into the prompt.
//
//	---
//	description: Review a file
//	args:
//	  - name: path
//	    required: true
//	---
//	Review {{.path}} for bugs.
type CustomCommand struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Args        []CommandArg `yaml:"args"`

	tmpl   *template.Template
	source string
}

// CommandArg is a positional argument. The last one takes the remainder
// of the input.
type CommandArg struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Default  string `yaml:"default"`
}

// loadCustomCommands reads *.md commands from the command directories;
// later directories win. Files that fail to parse, and names that shadow a
// built-in command, are skipped with a warning.
func loadCustomCommands(dirs []string, logger *slog.Logger) map[string]*CustomCommand {
	commands := make(map[string]*CustomCommand)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			cmd, err := parseCommandFile(path)
			if err != nil {
				logger.Warn("skipping custom command", "path", path, "error", err)
				continue
			}
			if isBuiltinCommand("/" + cmd.Name) {
				logger.Warn("custom command shadows a built-in", "name", cmd.Name, "path", path)
				continue
			}
			commands[cmd.Name] = cmd
		}
	}
	return commands
}

// commandDirs returns the command directories, lowest priority first.
func commandDirs(cwd, gitRoot string) []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "agentloop", "commands"))
	}
	if gitRoot != "" && gitRoot != cwd {
		dirs = append(dirs, filepath.Join(gitRoot, ".agentloop", "commands"))
	}
	return append(dirs, filepath.Join(cwd, ".agentloop", "commands"))
}

func parseCommandFile(path string) (*CustomCommand, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, err
	}

	var cmd CustomCommand
	if err := yaml.Unmarshal([]byte(front), &cmd); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	if cmd.Name == "" {
		cmd.Name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if strings.ContainsAny(cmd.Name, " \t/") {
		return nil, fmt.Errorf("invalid command name %q", cmd.Name)
	}
	if cmd.tmpl, err = template.New(cmd.Name).Option("missingkey=zero").Parse(body); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	cmd.source = path
	return &cmd, nil
}

// splitFrontmatter splits "---\nyaml\n---\nbody". Content without a leading
// "---" is all body.
func splitFrontmatter(content string) (string, string, error) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "---") {
		return "", content, nil
	}
	rest := content[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", errors.New("unclosed frontmatter (missing closing ---)")
	}
	return strings.TrimSpace(rest[:idx]), strings.TrimSpace(rest[idx+4:]), nil
}

// Render expands the command body with rawArgs.
func (c *CustomCommand) Render(rawArgs string) (string, error) {
	data, err := c.bindArgs(rawArgs)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("/%s: %w", c.Name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *CustomCommand) bindArgs(rawArgs string) (map[string]string, error) {
	parts := strings.Fields(rawArgs)
	data := map[string]string{"_args": rawArgs}
	for i, arg := range c.Args {
		switch {
		case i < len(parts) && i == len(c.Args)-1:
			data[arg.Name] = strings.Join(parts[i:], " ")
		case i < len(parts):
			data[arg.Name] = parts[i]
		case arg.Required:
			return nil, fmt.Errorf("/%s: %w %q", c.Name, errMissingArg, arg.Name)
		default:
			data[arg.Name] = arg.Default
		}
	}
	return data, nil
}

// usage renders "/name <required> [optional]".
func (c *CustomCommand) usage() string {
	var sb strings.Builder
	sb.WriteString("/" + c.Name)
	for _, arg := range c.Args {
		if arg.Required {
			sb.WriteString(" <" + arg.Name + ">")
		} else {
			sb.WriteString(" [" + arg.Name + "]")
		}
	}
	return sb.String()
}

func formatCommandList(commands map[string]*CustomCommand) string {
	if len(commands) == 0 {
		return "No custom commands found.\nPlace .md files in ~/.config/agentloop/commands/ or .agentloop/commands/"
	}
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Custom commands (%d):\n", len(commands))
	for _, name := range names {
		cmd := commands[name]
		desc := cmd.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&sb, "  %-28s %s\n", cmd.usage(), desc)
	}
	return strings.TrimRight(sb.String(), "\n")
}
