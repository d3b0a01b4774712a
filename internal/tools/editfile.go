package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/apexion-ai/agentloop/internal/permission"
)

// EditFileTool edits an existing file via exact string replacement, falling
// back to whitespace-tolerant matching when the exact text is not found.
type EditFileTool struct {
	Root string
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Required() []string {
	return []string{"file_path", "old_string", "new_string"}
}

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing an exact string match. " +
		"The old_string must appear exactly once in the file."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"file_path": map[string]any{
			"type":        "string",
			"description": "Path to the file to edit, absolute or relative to the workspace",
		},
		"old_string": map[string]any{
			"type":        "string",
			"minLength":   1,
			"description": "The exact text to find and replace",
		},
		"new_string": map[string]any{
			"type":        "string",
			"description": "The replacement text",
		},
	}
}

func (t *EditFileTool) Classify(args json.RawMessage) (permission.Class, string) {
	return permission.ClassEditExisting, pathArg(t.Root, args)
}

func (t *EditFileTool) Execute(_ context.Context, args json.RawMessage) (Output, error) {
	var p struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Output{}, fmt.Errorf("invalid params: %w", err)
	}
	if p.OldString == "" {
		return Output{}, fmt.Errorf("old_string is required")
	}
	path := resolvePath(t.Root, p.FilePath)

	info, err := os.Stat(path)
	if err != nil {
		return Output{}, fmt.Errorf("failed to read file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Output{}, fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)
	count := strings.Count(content, p.OldString)

	if count == 1 {
		newContent := strings.Replace(content, p.OldString, p.NewString, 1)
		if err := os.WriteFile(path, []byte(newContent), info.Mode().Perm()); err != nil {
			return Output{}, fmt.Errorf("failed to write file: %w", err)
		}
		return Output{Content: "file edited successfully"}, nil
	}
	if count > 1 {
		return Output{
			Content: fmt.Sprintf("found %d occurrences, provide more context to make the match unique", count),
			IsError: true,
		}, nil
	}

	if result, ok := fuzzyReplace(content, p.OldString, p.NewString); ok {
		if err := os.WriteFile(path, []byte(result), info.Mode().Perm()); err != nil {
			return Output{}, fmt.Errorf("failed to write file: %w", err)
		}
		return Output{Content: "file edited successfully (fuzzy match)"}, nil
	}

	return Output{Content: "text not found in file", IsError: true}, nil
}

// ── Fuzzy matching ──────────────────────────────────────────────────────────

// fuzzyReplace tries 3 normalization layers to find a unique line-range match:
//  1. Trailing whitespace: strip trailing spaces/tabs per line
//  2. Indentation: additionally normalize tabs → 4 spaces
//  3. Blank lines: additionally collapse consecutive blank lines
//
// Layers 1–2 use line-sliding (preserves original content outside the match).
// Layer 3 falls back to full-string normalized replacement.
func fuzzyReplace(content, oldString, newString string) (string, bool) {
	contentLines := strings.Split(content, "\n")
	oldLines := strings.Split(oldString, "\n")

	// Layer 1: trailing whitespace.
	trimWS := func(s string) string { return strings.TrimRight(s, " \t") }
	if start, ok := fuzzyLineMatch(contentLines, oldLines, trimWS); ok {
		return replaceLineRange(contentLines, start, len(oldLines), newString), true
	}

	// Layer 2: indentation (tab ↔ spaces).
	normIndent := func(s string) string {
		return strings.ReplaceAll(strings.TrimRight(s, " \t"), "\t", "    ")
	}
	if start, ok := fuzzyLineMatch(contentLines, oldLines, normIndent); ok {
		return replaceLineRange(contentLines, start, len(oldLines), newString), true
	}

	// Layer 3: blank line normalization (changes line count, use string-level match).
	normAll := func(s string) string {
		return blankLineRe.ReplaceAllString(
			strings.ReplaceAll(normalizeTrailingWS(s), "\t", "    "),
			"\n\n")
	}
	nc, no := normAll(content), normAll(oldString)
	if strings.Count(nc, no) == 1 {
		return strings.Replace(nc, no, newString, 1), true
	}

	return "", false
}

// fuzzyLineMatch slides a window of len(oldLines) over contentLines,
// comparing with the given per-line normalizer. Returns the start index
// if exactly one match is found.
func fuzzyLineMatch(contentLines, oldLines []string, normalize func(string) string) (int, bool) {
	normOld := make([]string, len(oldLines))
	for i, l := range oldLines {
		normOld[i] = normalize(l)
	}

	matchStart, matchCount := -1, 0
	for i := 0; i <= len(contentLines)-len(normOld); i++ {
		match := true
		for j, want := range normOld {
			if normalize(contentLines[i+j]) != want {
				match = false
				break
			}
		}
		if match {
			matchCount++
			matchStart = i
			if matchCount > 1 {
				return -1, false
			}
		}
	}
	return matchStart, matchCount == 1
}

// replaceLineRange replaces lines[start:start+count] with newString's lines.
func replaceLineRange(lines []string, start, count int, newString string) string {
	var parts []string
	parts = append(parts, lines[:start]...)
	parts = append(parts, strings.Split(newString, "\n")...)
	parts = append(parts, lines[start+count:]...)
	return strings.Join(parts, "\n")
}

// normalizeTrailingWS strips trailing spaces/tabs from every line in s.
func normalizeTrailingWS(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

// blankLineRe matches two or more consecutive newlines (with optional whitespace-only lines).
var blankLineRe = regexp.MustCompile(`\n[ \t]*\n([ \t]*\n)*`)
