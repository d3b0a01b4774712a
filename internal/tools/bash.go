package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apexion-ai/agentloop/internal/permission"
)

// BashTool executes shell commands in the workspace root.
type BashTool struct {
	Root string
}

func (t *BashTool) Name() string       { return "bash" }
func (t *BashTool) Required() []string { return []string{"command"} }

func (t *BashTool) Description() string {
	return "Execute a shell command in the workspace and return its combined stdout and stderr output. " +
		"stdin is disconnected (/dev/null), so interactive commands will fail. " +
		"Commands that produce no output for 30 seconds are killed."
}

const (
	defaultBashTimeout = 120 * time.Second
	maxBashTimeout     = 600 * time.Second
	idleTimeout        = 30 * time.Second // kill if no new output for this long
)

func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"command": map[string]any{
			"type":        "string",
			"minLength":   1,
			"description": "The shell command to execute",
		},
		"timeout": map[string]any{
			"type":        "integer",
			"minimum":     1,
			"description": "Timeout in seconds (default 120, max 600)",
		},
	}
}

// Command returns the shell command of a call.
func (t *BashTool) Command(args json.RawMessage) string {
	var p struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(args, &p)
	return p.Command
}

// Classify marks known read-only commands as read-only. The target is the
// working directory, so mutating shell calls are serialized.
func (t *BashTool) Classify(args json.RawMessage) (permission.Class, string) {
	if permission.IsSafeCommand(t.Command(args)) {
		return permission.ClassReadOnly, t.Root
	}
	return permission.ClassMutating, t.Root
}

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	var p struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return Output{}, fmt.Errorf("invalid params: %w", err)
	}
	if p.Command == "" {
		return Output{}, fmt.Errorf("command is required")
	}

	timeout := defaultBashTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	if timeout > maxBashTimeout {
		timeout = maxBashTimeout
	}

	return t.runForeground(ctx, p.Command, timeout)
}

// runForeground executes a command with both a hard timeout and an idle-output
// timeout. If no new stdout/stderr is produced for idleTimeout, the process is
// killed early instead of waiting for the full hard timeout.
func (t *BashTool) runForeground(ctx context.Context, command string, timeout time.Duration) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shellBin(), "-c", command)
	cmd.Dir = t.Root
	// Explicitly close stdin so interactive commands fail fast with EOF.
	cmd.Stdin = nil
	// Create a new process group so we can kill the entire tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	var buf safeBuffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return Output{
			Content: fmt.Sprintf("Failed to start: %v", err),
			IsError: true,
		}, nil
	}

	// Track last output time for idle detection.
	var lastOutputTime atomic.Int64
	lastOutputTime.Store(time.Now().UnixMilli())
	buf.onWrite = func() {
		lastOutputTime.Store(time.Now().UnixMilli())
	}

	// Wait for the process in a goroutine.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// Idle detection loop: check every second.
	idleTicker := time.NewTicker(1 * time.Second)
	defer idleTicker.Stop()

	ctxDone := ctx.Done()
	idledOut := false
	for {
		select {
		case err := <-done:
			// Process exited normally or with error.
			result := buf.String()
			if err != nil {
				if ctx.Err() == context.DeadlineExceeded {
					secs := int(timeout.Seconds())
					return Output{
						Content: fmt.Sprintf("Command timed out after %dm%ds.\nOutput:\n%s",
							secs/60, secs%60, result),
						IsError: true,
					}, nil
				}
				if ctx.Err() == context.Canceled {
					return Output{}, fmt.Errorf("cancelled")
				}
				return Output{
					Content: fmt.Sprintf("Exit error: %v\nOutput:\n%s", err, result),
					IsError: true,
				}, nil
			}
			return Output{Content: result}, nil

		case <-idleTicker.C:
			last := time.UnixMilli(lastOutputTime.Load())
			if time.Since(last) >= idleTimeout {
				// No output for too long: kill the process group.
				idledOut = true
				killProcessGroup(cmd)
				// Let the done channel fire on the next iteration.
			}

		case <-ctxDone:
			// CommandContext only kills the shell; take the whole group down.
			ctxDone = nil
			killProcessGroup(cmd)
		}

		if idledOut {
			// Wait briefly for process to exit after kill.
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			result := buf.String()
			secs := int(idleTimeout.Seconds())
			return Output{
				Content: fmt.Sprintf(
					"Command killed: no output for %ds (idle timeout). "+
						"The command may be waiting for input or sleeping. "+
						"Do not retry with piped stdin; interactive commands are not supported.\n"+
						"Output:\n%s", secs, result),
				IsError: true,
			}, nil
		}
	}
}

// killProcessGroup sends SIGTERM to the process group, waits briefly, then
// sends SIGKILL if the process is still alive.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	// Negative PID sends signal to the entire process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(200 * time.Millisecond)
	// SIGKILL as fallback; the process may have already exited.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// safeBuffer is a bytes.Buffer safe for concurrent reads and writes,
// with an optional callback invoked on each Write.
type safeBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onWrite func() // called after each successful write (under no lock)
}

func (b *safeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	n, err = b.buf.Write(p)
	b.mu.Unlock()
	if n > 0 && b.onWrite != nil {
		b.onWrite()
	}
	return
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Ensure safeBuffer implements io.Writer.
var _ io.Writer = (*safeBuffer)(nil)

// shellBin returns the user's preferred shell, falling back to bash then sh.
func shellBin() string {
	if s := os.Getenv("SHELL"); s != "" {
		if _, err := os.Stat(s); err == nil {
			return s
		}
	}
	if p, err := exec.LookPath("bash"); err == nil {
		return p
	}
	return "sh"
}
