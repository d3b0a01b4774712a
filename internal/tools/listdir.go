package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/apexion-ai/agentloop/internal/permission"
)

const maxListEntries = 500

// ListDirTool lists the entries of one directory.
type ListDirTool struct {
	Root string
}

func (t *ListDirTool) Name() string       { return "list_dir" }
func (t *ListDirTool) Required() []string { return nil }

func (t *ListDirTool) Description() string {
	return "List files and directories at the given path. Directories end with '/'. " +
		"Defaults to the workspace root."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Directory to list, absolute or relative to the workspace",
		},
	}
}

func (t *ListDirTool) Classify(args json.RawMessage) (permission.Class, string) {
	return permission.ClassReadOnly, t.dir(args)
}

func (t *ListDirTool) dir(args json.RawMessage) string {
	var p struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &p)
	if p.Path == "" {
		return t.Root
	}
	return resolvePath(t.Root, p.Path)
}

func (t *ListDirTool) Execute(_ context.Context, args json.RawMessage) (Output, error) {
	dir := t.dir(args)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Output{}, fmt.Errorf("failed to list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	truncated := false
	if len(names) > maxListEntries {
		names = names[:maxListEntries]
		truncated = true
	}
	if len(names) == 0 {
		return Output{Content: "[empty directory]"}, nil
	}

	content := strings.Join(names, "\n")
	if truncated {
		content += fmt.Sprintf("\n[Truncated: showing %d of %d entries]", maxListEntries, len(entries))
	}
	return Output{Content: content, Truncated: truncated}, nil
}
