package agent

import (
	"embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

//go:embed prompts/*.md
var defaultPromptFS embed.FS

const (
	maxFileBytes  = 8 * 1024  // per context file
	maxTotalBytes = 16 * 1024 // all context files together
)

// BuildSystemPrompt assembles the system prompt: the embedded default (or
// override, when non-empty), any _extra.md from the prompt override
// directories, and the project context files found from cwd.
//
// Override directories, lowest priority first:
//
//	~/.config/agentloop/prompts/
//	{gitRoot}/.agentloop/prompts/
//	{cwd}/.agentloop/prompts/
//
// A system.md in an override directory replaces the embedded default.
func BuildSystemPrompt(cwd, override string) string {
	gitRoot := findGitRoot(cwd)
	dirs := promptOverrideDirs(cwd, gitRoot)

	base := override
	if base == "" {
		base = loadPromptSection("system", dirs)
	}
	for _, dir := range dirs {
		if extra := readContextFile(filepath.Join(dir, "_extra.md")); extra != "" {
			base += "\n\n" + extra
		}
	}
	return base + loadProjectContext(cwd, gitRoot)
}

// loadPromptSection returns the named section from the highest-priority
// override directory, falling back to the embedded default.
func loadPromptSection(name string, overrideDirs []string) string {
	filename := name + ".md"
	for i := len(overrideDirs) - 1; i >= 0; i-- {
		if content := readContextFile(filepath.Join(overrideDirs[i], filename)); content != "" {
			return content
		}
	}
	data, err := defaultPromptFS.ReadFile("prompts/" + filename)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func promptOverrideDirs(cwd, gitRoot string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		abs, err := filepath.Abs(dir)
		if err != nil || seen[abs] {
			return
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return
		}
		seen[abs] = true
		dirs = append(dirs, abs)
	}

	if home, err := os.UserHomeDir(); err == nil {
		add(filepath.Join(home, ".config", "agentloop", "prompts"))
	}
	if gitRoot != "" && gitRoot != cwd {
		add(filepath.Join(gitRoot, ".agentloop", "prompts"))
	}
	add(filepath.Join(cwd, ".agentloop", "prompts"))
	return dirs
}

// loadProjectContext concatenates the AGENTLOOP.md / AGENTS.md /
// .agentloop/context.md files found globally, at the git root and in cwd,
// wrapped in <project_context>. It returns "" when there are none.
func loadProjectContext(cwd, gitRoot string) string {
	var sections []string
	total := 0
	for _, p := range contextPaths(cwd, gitRoot) {
		if total >= maxTotalBytes {
			break
		}
		content := readContextFile(p)
		if content == "" {
			continue
		}
		if remaining := maxTotalBytes - total; len(content) > remaining {
			content = content[:remaining] + "\n[Truncated: context file too large]"
		}
		total += len(content)
		sections = append(sections, fmt.Sprintf("<!-- Source: %s -->\n%s", p, content))
	}
	if len(sections) == 0 {
		return ""
	}
	return "\n\n<project_context>\n" + strings.Join(sections, "\n\n") + "\n</project_context>"
}

func contextPaths(cwd, gitRoot string) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			return
		}
		seen[abs] = true
		paths = append(paths, abs)
	}

	if home, err := os.UserHomeDir(); err == nil {
		add(filepath.Join(home, ".config", "agentloop", "context.md"))
		add(filepath.Join(home, ".config", "agentloop", "AGENTLOOP.md"))
	}
	if gitRoot != "" && gitRoot != cwd {
		add(filepath.Join(gitRoot, ".agentloop", "context.md"))
		add(filepath.Join(gitRoot, "AGENTS.md"))
		add(filepath.Join(gitRoot, "AGENTLOOP.md"))
	}
	add(filepath.Join(cwd, ".agentloop", "context.md"))
	add(filepath.Join(cwd, "AGENTS.md"))
	add(filepath.Join(cwd, "AGENTLOOP.md"))
	return paths
}

// readContextFile returns the trimmed content of path, or "" if it is
// missing or empty. Content beyond maxFileBytes is cut with a notice.
func readContextFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	if len(content) > maxFileBytes {
		content = content[:maxFileBytes] + "\n[Truncated: file exceeds 8KB limit]"
	}
	return content
}

// findGitRoot returns the repository root containing cwd, or "".
func findGitRoot(cwd string) string {
	git, err := exec.LookPath("git")
	if err != nil {
		return ""
	}
	cmd := exec.Command(git, "rev-parse", "--show-toplevel")
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
