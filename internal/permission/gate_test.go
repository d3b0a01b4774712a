package permission

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_TableWithoutOverlays(t *testing.T) {
	g := NewGate(WithDangerousCommandBlocking(false))
	ctx := context.Background()

	v := g.Evaluate(ctx, Request{Policy: PolicyAuto, Class: ClassReadOnly, Tool: "read_file"})
	assert.Equal(t, Auto, v.Decision)

	v = g.Evaluate(ctx, Request{Policy: PolicyAuto, Class: ClassMutating, Tool: "write_file"})
	assert.Equal(t, Confirm, v.Decision)

	v = g.Evaluate(ctx, Request{Policy: PolicyNever, Class: ClassMutating, Tool: "bash"})
	assert.Equal(t, Block, v.Decision)
}

func TestGate_GrantRelaxesConfirmOnly(t *testing.T) {
	g := NewGate()
	ctx := context.Background()

	v := g.Evaluate(ctx, Request{Policy: PolicyAuto, Class: ClassMutating, Tool: "bash", Command: "npm install", Granted: true})
	assert.Equal(t, Auto, v.Decision)

	v = g.Evaluate(ctx, Request{Policy: PolicyNever, Class: ClassMutating, Tool: "bash", Command: "npm install", Granted: true})
	assert.Equal(t, Block, v.Decision)
}

func TestGate_DangerousCommand(t *testing.T) {
	ctx := context.Background()
	req := Request{Policy: PolicyAuto, Class: ClassMutating, Tool: "bash", Command: "rm -rf /", Granted: true}

	v := NewGate().Evaluate(ctx, req)
	assert.Equal(t, Block, v.Decision)
	assert.Equal(t, "dangerous command", v.Reason)

	req.Policy = PolicyYolo
	assert.Equal(t, Auto, NewGate().Evaluate(ctx, req).Decision)

	req.Policy = PolicyAuto
	assert.Equal(t, Auto, NewGate(WithDangerousCommandBlocking(false)).Evaluate(ctx, req).Decision)
}

func TestGate_OutsideWorkspace(t *testing.T) {
	root := t.TempDir()
	g := NewGate(WithWorkspaceRoot(root))
	ctx := context.Background()

	inside := filepath.Join(root, "src", "main.go")
	outside := filepath.Join(filepath.Dir(root), "elsewhere.txt")

	v := g.Evaluate(ctx, Request{Policy: PolicyAutoEdit, Class: ClassEditExisting, Tool: "edit_file", Target: inside})
	assert.Equal(t, Auto, v.Decision)

	v = g.Evaluate(ctx, Request{Policy: PolicyAutoEdit, Class: ClassEditExisting, Tool: "edit_file", Target: outside})
	assert.Equal(t, Confirm, v.Decision)
	assert.Contains(t, v.Reason, "outside workspace")

	// traversal is cleaned before comparison
	v = g.Evaluate(ctx, Request{Policy: PolicyAutoEdit, Class: ClassEditExisting, Tool: "edit_file", Target: root + "/src/../../x"})
	assert.Equal(t, Confirm, v.Decision)

	// reads outside the workspace are not tightened
	v = g.Evaluate(ctx, Request{Policy: PolicyAutoEdit, Class: ClassReadOnly, Tool: "read_file", Target: outside})
	assert.Equal(t, Auto, v.Decision)
}

func TestGate_NeverTurnsConfirmIntoBlock(t *testing.T) {
	ctx := context.Background()
	rs, err := NewRuleSet(ctx, "package agentloop\n\ndecision := \"require_approval\"\n")
	require.NoError(t, err)

	v := NewGate(WithRules(rs)).Evaluate(ctx, Request{Policy: PolicyNever, Class: ClassReadOnly, Tool: "read_file"})
	assert.Equal(t, Block, v.Decision)
}

func TestGate_Rules(t *testing.T) {
	ctx := context.Background()
	rs, err := NewRuleSet(ctx, ExampleRules)
	require.NoError(t, err)
	g := NewGate(WithRules(rs))

	v := g.Evaluate(ctx, Request{Policy: PolicyYolo, Class: ClassMutating, Tool: "bash", Command: "sudo apt install x"})
	assert.Equal(t, Block, v.Decision)
	assert.Equal(t, "sudo is not allowed", v.Reason)

	v = g.Evaluate(ctx, Request{Policy: PolicyYolo, Class: ClassMutating, Tool: "write_file", Target: "/repo/.env"})
	assert.Equal(t, Confirm, v.Decision)

	v = g.Evaluate(ctx, Request{Policy: PolicyNever, Class: ClassReadOnly, Tool: "read_file", Target: "/repo/.env"})
	assert.Equal(t, Auto, v.Decision)

	v = g.Evaluate(ctx, Request{
		Policy: PolicyYolo, Class: ClassMutating, Tool: "write_file", Target: "/repo/main.go",
		Args: json.RawMessage(`{"path":"main.go"}`),
	})
	assert.Equal(t, Auto, v.Decision)
}

func TestGate_RulesNeverRelax(t *testing.T) {
	ctx := context.Background()
	rs, err := NewRuleSet(ctx, "package agentloop\n\ndefault decision := \"allow\"\n")
	require.NoError(t, err)

	v := NewGate(WithRules(rs)).Evaluate(ctx, Request{Policy: PolicyOnRequest, Class: ClassReadOnly, Tool: "read_file"})
	assert.Equal(t, Confirm, v.Decision)
}

func TestRuleSet_UnknownDecision(t *testing.T) {
	ctx := context.Background()
	rs, err := NewRuleSet(ctx, "package agentloop\n\ndecision := \"maybe\"\n")
	require.NoError(t, err)

	d, _, err := rs.Evaluate(ctx, map[string]any{"tool": "x"})
	require.Error(t, err)
	assert.Equal(t, Block, d)
}

func TestNewRuleSet_CompileError(t *testing.T) {
	_, err := NewRuleSet(context.Background(), "package agentloop\n\ndecision := {{{")
	require.Error(t, err)
}

func TestGrantKeys(t *testing.T) {
	tests := []struct {
		tool, target, command string
		want                  []string
	}{
		{"bash", "/repo", "npm install", []string{"bash:npm"}},
		{"bash", "/repo", "cd sub && go test ./...", []string{"bash:cd", "bash:go"}},
		{"bash", "/repo", "go vet ./...\ngo test ./...", []string{"bash:go"}},
		{"bash", "/repo", "GOFLAGS=-mod=mod go build", []string{"bash:go"}},
		{"bash", "/repo", "env GOOS=linux go build", []string{"bash:env GOOS=linux go build"}},
		{"bash", "/repo", "ls | xargs rm", []string{"bash:ls", "bash:xargs rm"}},
		{"bash", "/repo", "echo $(whoami)", []string{"bash:echo $(whoami)"}},
		{"edit_file", "/tmp/a.go", "", []string{"edit_file:/tmp/a.go"}},
		{"list_dir", "", "", []string{"list_dir"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GrantKeys(tt.tool, tt.target, tt.command), "GrantKeys(%q)", tt.command)
	}
}

func TestGrants_CompoundCommandNeedsEveryProgram(t *testing.T) {
	g := NewGrants()
	g.Add(GrantKeys("bash", "/repo", "cd sub && go test ./...")...)

	assert.True(t, g.HasAll(GrantKeys("bash", "/repo", "cd other && go build")))
	assert.False(t, g.HasAll(GrantKeys("bash", "/repo", "cd sub && git push --force origin main")))
	assert.False(t, g.HasAll(GrantKeys("bash", "/repo", "echo hi; rm -rf build")))
	assert.False(t, g.HasAll(nil))

	gate := NewGate()
	v := gate.Evaluate(context.Background(), Request{
		Policy:  PolicyAuto,
		Class:   ClassMutating,
		Tool:    "bash",
		Command: "cd sub && git push --force origin main",
		Granted: g.HasAll(GrantKeys("bash", "/repo", "cd sub && git push --force origin main")),
	})
	assert.Equal(t, Confirm, v.Decision)
}

func TestGrants(t *testing.T) {
	g := NewGrants("bash:go")
	g.Add("edit_file:/tmp/a.go")

	assert.True(t, g.Has("bash:go"))
	assert.False(t, g.Has("bash:npm"))
	assert.Equal(t, []string{"bash:go", "edit_file:/tmp/a.go"}, g.List())

	g.Reset()
	assert.Empty(t, g.List())
}
