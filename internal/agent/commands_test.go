package agent

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitFrontmatter(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantFront string
		wantBody  string
		wantErr   bool
	}{
		{"no frontmatter", "just a body", "", "just a body", false},
		{"with frontmatter", "---\ndescription: x\n---\nbody here", "description: x", "body here", false},
		{"unclosed", "---\ndescription: x\nbody", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			front, body, err := splitFrontmatter(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if front != tt.wantFront || body != tt.wantBody {
				t.Errorf("got (%q, %q), want (%q, %q)", front, body, tt.wantFront, tt.wantBody)
			}
		})
	}
}

func TestLoadCustomCommands(t *testing.T) {
	global := t.TempDir()
	project := t.TempDir()
	writeFile(t, filepath.Join(global, "review.md"), "---\ndescription: global review\n---\nglobal {{.path}}")
	writeFile(t, filepath.Join(global, "explain.md"), "Explain {{._args}}")
	writeFile(t, filepath.Join(project, "review.md"), "---\ndescription: project review\nargs:\n  - name: path\n    required: true\n---\nReview {{.path}}")
	writeFile(t, filepath.Join(project, "help.md"), "shadows a built-in")
	writeFile(t, filepath.Join(project, "broken.md"), "---\nargs: [\n---\nx")
	writeFile(t, filepath.Join(project, "notes.txt"), "ignored")

	cmds := loadCustomCommands([]string{global, project}, slog.Default())
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d: %v", len(cmds), cmds)
	}
	review := cmds["review"]
	if review == nil || review.Description != "project review" {
		t.Fatalf("project command should override global, got %+v", review)
	}
	if _, ok := cmds["help"]; ok {
		t.Error("built-in names must not be overridden")
	}

	got, err := review.Render("main.go")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Review main.go" {
		t.Errorf("Render = %q", got)
	}
	if _, err := review.Render(""); !errors.Is(err, errMissingArg) {
		t.Errorf("expected errMissingArg, got %v", err)
	}

	got, err = cmds["explain"].Render("the loop  please")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Explain the loop  please" {
		t.Errorf("Render = %q", got)
	}
}

func TestBindArgs(t *testing.T) {
	cmd := &CustomCommand{Name: "fix", Args: []CommandArg{
		{Name: "file", Required: true},
		{Name: "note", Default: "be brief"},
	}}

	data, err := cmd.bindArgs("a.go")
	if err != nil {
		t.Fatal(err)
	}
	if data["file"] != "a.go" || data["note"] != "be brief" {
		t.Errorf("defaults not applied: %v", data)
	}

	data, err = cmd.bindArgs("a.go handle the nil case")
	if err != nil {
		t.Fatal(err)
	}
	if data["note"] != "handle the nil case" {
		t.Errorf("last arg should take the remainder, got %q", data["note"])
	}
}

func TestFormatCommandList(t *testing.T) {
	if !strings.Contains(formatCommandList(nil), "No custom commands") {
		t.Error("empty list should explain where commands live")
	}
	out := formatCommandList(map[string]*CustomCommand{
		"fix": {Name: "fix", Args: []CommandArg{{Name: "file", Required: true}, {Name: "note"}}},
	})
	if !strings.Contains(out, "/fix <file> [note]") || !strings.Contains(out, "(no description)") {
		t.Errorf("unexpected listing:\n%s", out)
	}
}
