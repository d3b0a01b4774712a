package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apexion-ai/agentloop/internal/agent"
)

// ErrNonInteractive is the decline reason for confirmations in pipe mode
// without --yes.
var ErrNonInteractive = errors.New("confirmation needed but no interactive user")

// PipeIO is the frontend for `agentloop run`: model text goes to stdout,
// diagnostics to stderr. Calls that need confirmation are declined unless
// assumeYes is set.
type PipeIO struct {
	format    string // "text" or "jsonl"
	verbose   bool
	printLast bool
	assumeYes bool

	mu       sync.Mutex
	writer   io.Writer
	errW     io.Writer
	lastText string
	now      func() time.Time
}

// NewPipeIO creates a PipeIO writing to stdout and stderr.
func NewPipeIO(format string, verbose, printLast, assumeYes bool) *PipeIO {
	if format == "" {
		format = "text"
	}
	return &PipeIO{
		format:    format,
		verbose:   verbose,
		printLast: printLast,
		assumeYes: assumeYes,
		writer:    os.Stdout,
		errW:      os.Stderr,
		now:       time.Now,
	}
}

func (p *PipeIO) ReadInput() (string, error) { return "", io.EOF }
func (p *PipeIO) UserMessage(string)         {}
func (p *PipeIO) ThinkingStart()             {}

func (p *PipeIO) TextDelta(delta string) {
	if p.printLast || p.format == "jsonl" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.writer, delta)
}

func (p *PipeIO) TextDone(fullText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fullText != "" {
		p.lastText = fullText
	}
	switch {
	case p.printLast:
	case p.format == "jsonl":
		if fullText != "" {
			p.emitJSONL("text", map[string]string{"content": fullText})
		}
	case fullText != "":
		fmt.Fprintln(p.writer)
	}
}

func (p *PipeIO) ToolStart(id, name, params string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verbose {
		fmt.Fprintf(p.errW, "[tool] %s started\n", name)
	}
	if p.format == "jsonl" {
		p.emitJSONL("tool_start", map[string]string{"id": id, "name": name, "params": params})
	}
}

func (p *PipeIO) ToolDone(id, name, result string, isErr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verbose {
		status := "ok"
		if isErr {
			status = "error"
		}
		fmt.Fprintf(p.errW, "[tool] %s done (%s)\n", name, status)
	}
	if p.format == "jsonl" {
		p.emitJSONL("tool_done", map[string]any{
			"id": id, "name": name, "is_error": isErr,
			"result": truncatePipe(result, 4096),
		})
	}
}

func (p *PipeIO) Confirm(_ context.Context, req agent.ConfirmationRequest) (agent.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format == "jsonl" {
		p.emitJSONL("confirmation", map[string]any{
			"id": req.CallID, "name": req.Tool, "target": req.Target,
			"command": req.Command, "accepted": p.assumeYes,
		})
	}
	if p.assumeYes {
		return agent.Accept, nil
	}
	fmt.Fprintf(p.errW, "[approval] declined %s: %s (rerun with --yes or a more permissive --approval)\n", req.Tool, req.Reason)
	return agent.Decline, ErrNonInteractive
}

func (p *PipeIO) SystemMessage(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.errW, text)
}

func (p *PipeIO) Error(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.errW, "error: %s\n", msg)
}

func (p *PipeIO) SetTokens(int) {}

// Flush prints the final answer in printLast mode. Call it after the run.
func (p *PipeIO) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printLast && p.lastText != "" {
		fmt.Fprintln(p.writer, p.lastText)
	}
}

func (p *PipeIO) emitJSONL(eventType string, data any) {
	line, _ := json.Marshal(map[string]any{
		"type":      eventType,
		"timestamp": p.now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	fmt.Fprintln(p.writer, string(line))
}

func truncatePipe(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
