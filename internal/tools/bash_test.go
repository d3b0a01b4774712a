package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apexion-ai/agentloop/internal/permission"
)

func TestBash_NormalCommand(t *testing.T) {
	tool := &BashTool{}
	params, _ := json.Marshal(map[string]any{"command": "echo hello"})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Content, "hello") {
		t.Fatalf("expected 'hello' in output, got: %s", result.Content)
	}
}

func TestBash_RunsInRoot(t *testing.T) {
	root := t.TempDir()
	tool := &BashTool{Root: root}
	params, _ := json.Marshal(map[string]any{"command": "pwd"})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(result.Content))
	want, _ := filepath.EvalSymlinks(root)
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestBash_ExitError(t *testing.T) {
	tool := &BashTool{}
	params, _ := json.Marshal(map[string]any{"command": "echo oops; exit 3"})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for non-zero exit")
	}
	if !strings.Contains(result.Content, "oops") {
		t.Errorf("output should be kept, got: %s", result.Content)
	}
}

func TestBash_Classify(t *testing.T) {
	tool := &BashTool{Root: "/work"}
	tests := []struct {
		command string
		want    permission.Class
	}{
		{"git status", permission.ClassReadOnly},
		{"ls -la | wc -l", permission.ClassReadOnly},
		{"go test ./...", permission.ClassMutating},
		{"rm -rf build", permission.ClassMutating},
		{"find . -name '*.log' -delete", permission.ClassMutating},
		{"find . -exec rm {} +", permission.ClassMutating},
		{"awk 'BEGIN{system(\"rm x\")}' /dev/null", permission.ClassMutating},
	}
	for _, tt := range tests {
		params, _ := json.Marshal(map[string]any{"command": tt.command})
		class, target := tool.Classify(params)
		if class != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.command, class, tt.want)
		}
		if target != "/work" {
			t.Errorf("Classify(%q) target = %q, want /work", tt.command, target)
		}
		if got := tool.Command(params); got != tt.command {
			t.Errorf("Command() = %q, want %q", got, tt.command)
		}
	}
}

func TestBash_ContextCancelKillsCommand(t *testing.T) {
	tool := &BashTool{}
	params, _ := json.Marshal(map[string]any{"command": "while true; do echo tick; sleep 0.2; done"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	_, err := tool.Execute(ctx, params)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took too long: %v", elapsed)
	}
}

func TestBash_IdleTimeout_KillsSleepingProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the idle timeout")
	}
	tool := &BashTool{}
	// sleep 300 produces no output, so the idle timeout (30s) should fire well
	// before the hard timeout (120s).
	params, _ := json.Marshal(map[string]any{
		"command": "echo start && sleep 300",
		"timeout": 120,
	})

	start := time.Now()
	result, err := tool.Execute(context.Background(), params)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result for idle timeout")
	}
	if !strings.Contains(result.Content, "idle timeout") {
		t.Fatalf("expected 'idle timeout' in output, got: %s", result.Content)
	}
	if elapsed > 50*time.Second {
		t.Fatalf("idle timeout took too long: %v (expected ~30s)", elapsed)
	}
}
