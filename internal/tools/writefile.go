package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apexion-ai/agentloop/internal/permission"
)

// WriteFileTool writes file contents, creating or overwriting the file.
type WriteFileTool struct {
	Root string
}

func (t *WriteFileTool) Name() string       { return "write_file" }
func (t *WriteFileTool) Required() []string { return []string{"file_path", "content"} }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories if needed. " +
		"This will overwrite the file if it already exists."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"file_path": map[string]any{
			"type":        "string",
			"description": "Path to the file to write, absolute or relative to the workspace",
		},
		"content": map[string]any{
			"type":        "string",
			"description": "The content to write to the file",
		},
	}
}

// Classify treats overwriting an existing regular file as an edit.
func (t *WriteFileTool) Classify(args json.RawMessage) (permission.Class, string) {
	path := pathArg(t.Root, args)
	if path == "" {
		return permission.ClassMutating, ""
	}
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return permission.ClassEditExisting, path
	}
	return permission.ClassMutating, path
}

func (t *WriteFileTool) Execute(_ context.Context, args json.RawMessage) (Output, error) {
	var p struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Output{}, fmt.Errorf("invalid params: %w", err)
	}
	path := resolvePath(t.Root, p.FilePath)
	if path == "" {
		return Output{}, fmt.Errorf("file_path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Output{}, fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return Output{}, fmt.Errorf("failed to write file: %w", err)
	}

	return Output{Content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), path)}, nil
}
