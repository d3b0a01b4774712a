package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/apexion-ai/agentloop/internal/permission"
)

const defaultReadLimit = 2000

// ReadFileTool reads file contents with line numbers.
type ReadFileTool struct {
	Root string
}

func (t *ReadFileTool) Name() string       { return "read_file" }
func (t *ReadFileTool) Required() []string { return []string{"file_path"} }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the given path. " +
		"Use offset and limit to read specific line ranges for large files."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"file_path": map[string]any{
			"type":        "string",
			"description": "Path to the file to read, absolute or relative to the workspace",
		},
		"offset": map[string]any{
			"type":        "integer",
			"minimum":     0,
			"description": "Line number to start reading from (0-based, optional)",
		},
		"limit": map[string]any{
			"type":        "integer",
			"minimum":     1,
			"description": "Maximum number of lines to read (default 2000)",
		},
	}
}

func (t *ReadFileTool) Classify(args json.RawMessage) (permission.Class, string) {
	return permission.ClassReadOnly, pathArg(t.Root, args)
}

func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage) (Output, error) {
	var p struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Output{}, fmt.Errorf("invalid params: %w", err)
	}
	if p.Limit <= 0 {
		p.Limit = defaultReadLimit
	}

	data, err := os.ReadFile(resolvePath(t.Root, p.FilePath))
	if err != nil {
		return Output{}, fmt.Errorf("failed to read file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	if p.Offset > 0 {
		if p.Offset >= totalLines {
			return Output{Content: fmt.Sprintf("[File has %d lines, offset %d is beyond end]", totalLines, p.Offset)}, nil
		}
		lines = lines[p.Offset:]
	}

	truncated := false
	if len(lines) > p.Limit {
		lines = lines[:p.Limit]
		truncated = true
	}

	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%6d\t%s\n", p.Offset+i+1, line)
	}
	if truncated {
		fmt.Fprintf(&sb, "[Truncated: %d total lines. Use offset/limit to read more.]", totalLines)
	}

	return Output{Content: sb.String(), Truncated: truncated}, nil
}
