package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/apexion-ai/agentloop/internal/permission"
)

const (
	maxGlobResults = 1000
	maxGrepResults = 50
	maxGrepFile    = 1024 * 1024
)

// skipDirs are never descended into by glob and grep.
var skipDirs = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"vendor":        true,
	"__pycache__":   true,
	".next":         true,
	"dist":          true,
	"build":         true,
	"target":        true,
	".venv":         true,
	".tox":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
}

var errSearchLimit = errors.New("result limit reached")

// searchArgs are shared by glob and grep.
type searchArgs struct {
	Pattern         string `json:"pattern"`
	Path            string `json:"path"`
	Glob            string `json:"glob"`
	CaseInsensitive bool   `json:"case_insensitive"`
}

func parseSearchArgs(root string, args json.RawMessage) (searchArgs, string) {
	var p searchArgs
	_ = json.Unmarshal(args, &p)
	if p.Path == "" {
		return p, root
	}
	return p, resolvePath(root, p.Path)
}

// relTo shortens path to be relative to root when it lies inside it.
func relTo(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// GlobTool matches file names against a pattern; ** matches any depth.
type GlobTool struct {
	Root string
}

func (t *GlobTool) Name() string       { return "glob" }
func (t *GlobTool) Required() []string { return []string{"pattern"} }

func (t *GlobTool) Description() string {
	return "Find files by glob pattern. ** matches any number of directories (e.g. '**/*.go', 'src/**/*.ts'). " +
		"Returns paths relative to the workspace, newest first. Use this instead of find or ls -R."
}

func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"pattern": map[string]any{
			"type":        "string",
			"description": "Glob pattern to match files (e.g. '**/*.go', 'src/*.ts')",
		},
		"path": map[string]any{
			"type":        "string",
			"description": "Base directory to search in (default: workspace root)",
		},
	}
}

func (t *GlobTool) Classify(args json.RawMessage) (permission.Class, string) {
	_, dir := parseSearchArgs(t.Root, args)
	return permission.ClassReadOnly, dir
}

func (t *GlobTool) Execute(_ context.Context, args json.RawMessage) (Output, error) {
	p, dir := parseSearchArgs(t.Root, args)
	if p.Pattern == "" {
		return Output{}, errors.New("pattern is required")
	}

	var matches []string
	var err error
	if strings.Contains(p.Pattern, "**") {
		matches, err = globRecursive(dir, p.Pattern)
	} else {
		matches, err = filepath.Glob(filepath.Join(dir, p.Pattern))
	}
	if err != nil {
		return Output{}, fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 {
		return Output{Content: "no files matched"}, nil
	}

	sortByModTime(matches)
	truncated := len(matches) > maxGlobResults
	if truncated {
		matches = matches[:maxGlobResults]
	}
	for i, m := range matches {
		matches[i] = relTo(t.Root, m)
	}
	content := strings.Join(matches, "\n")
	if truncated {
		content += fmt.Sprintf("\n[Truncated: showing first %d results]", maxGlobResults)
	}
	return Output{Content: content, Truncated: truncated}, nil
}

// globRecursive walks the directory below the part of pattern before "**"
// and matches files against the part after it: against the file name when
// it has no separator, else against the path relative to the walk root.
func globRecursive(base, pattern string) ([]string, error) {
	parts := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimRight(parts[0], "/\\")
	suffix := ""
	if len(parts) > 1 {
		suffix = strings.TrimLeft(parts[1], "/\\")
	}
	root := base
	if prefix != "" {
		root = filepath.Join(base, prefix)
	}
	if _, err := os.Stat(root); err != nil {
		return nil, nil
	}
	if _, err := filepath.Match(suffix, ""); err != nil {
		return nil, err
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.ContainsRune(suffix, '/') {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			name = filepath.ToSlash(rel)
		}
		if suffix == "" {
			matches = append(matches, path)
		} else if ok, _ := filepath.Match(suffix, name); ok {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}

// sortByModTime orders paths newest first; unreadable files go last.
func sortByModTime(paths []string) {
	mod := make(map[string]int64, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			mod[p] = info.ModTime().UnixNano()
		}
	}
	sort.SliceStable(paths, func(i, j int) bool { return mod[paths[i]] > mod[paths[j]] })
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	Root string
}

func (t *GrepTool) Name() string       { return "grep" }
func (t *GrepTool) Required() []string { return []string{"pattern"} }

func (t *GrepTool) Description() string {
	return "Recursively search file contents with a regular expression. " +
		fmt.Sprintf("Returns 'file:line:content' matches (max %d). Use this instead of bash grep or rg.", maxGrepResults)
}

func (t *GrepTool) Parameters() map[string]any {
	return map[string]any{
		"pattern": map[string]any{
			"type":        "string",
			"description": "Regular expression pattern to search for",
		},
		"path": map[string]any{
			"type":        "string",
			"description": "Directory or file to search in (default: workspace root)",
		},
		"glob": map[string]any{
			"type":        "string",
			"description": "File name filter (e.g. '*.go')",
		},
		"case_insensitive": map[string]any{
			"type":        "boolean",
			"description": "Ignore case (default: false)",
		},
	}
}

func (t *GrepTool) Classify(args json.RawMessage) (permission.Class, string) {
	_, dir := parseSearchArgs(t.Root, args)
	return permission.ClassReadOnly, dir
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	p, dir := parseSearchArgs(t.Root, args)
	if p.Pattern == "" {
		return Output{}, errors.New("pattern is required")
	}
	expr := p.Pattern
	if p.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Output{}, fmt.Errorf("invalid regex pattern: %w", err)
	}

	var results []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if p.Glob != "" {
			if ok, _ := filepath.Match(p.Glob, d.Name()); !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > maxGrepFile {
			return nil
		}
		_ = searchFile(path, relTo(t.Root, path), re, &results)
		if len(results) >= maxGrepResults {
			return errSearchLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSearchLimit) {
		return Output{}, fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		return Output{Content: "no matches found"}, nil
	}

	content := strings.Join(results, "\n")
	truncated := len(results) >= maxGrepResults
	if truncated {
		content += fmt.Sprintf("\n[Truncated: showing first %d results]", maxGrepResults)
	}
	return Output{Content: content, Truncated: truncated}, nil
}

func searchFile(path, display string, re *regexp.Regexp, results *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		if line := scanner.Text(); re.MatchString(line) {
			*results = append(*results, fmt.Sprintf("%s:%d:%s", display, n, line))
			if len(*results) >= maxGrepResults {
				return nil
			}
		}
	}
	return scanner.Err()
}
