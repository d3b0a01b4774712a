package tools

import (
	"encoding/json"
	"path/filepath"
)

// Builtins returns the reference tools, resolving relative paths against root.
func Builtins(root string) []Tool {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return []Tool{
		&ReadFileTool{Root: root},
		&ListDirTool{Root: root},
		&GlobTool{Root: root},
		&GrepTool{Root: root},
		&WriteFileTool{Root: root},
		&EditFileTool{Root: root},
		&BashTool{Root: root},
	}
}

// RegisterAll registers every tool, stopping at the first error.
func RegisterAll(r *Registry, tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Commander is implemented by tools that run a shell command, so the
// approval gate can inspect it.
type Commander interface {
	Command(args json.RawMessage) string
}

// resolvePath cleans p and makes it absolute relative to root.
func resolvePath(root, p string) string {
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	return filepath.Clean(p)
}

// pathArg extracts and resolves the file_path argument.
func pathArg(root string, args json.RawMessage) string {
	var p struct {
		FilePath string `json:"file_path"`
	}
	if json.Unmarshal(args, &p) != nil {
		return ""
	}
	return resolvePath(root, p.FilePath)
}
