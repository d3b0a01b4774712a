package tui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/apexion-ai/agentloop/internal/agent"
	"github.com/apexion-ai/agentloop/internal/permission"
)

func newTestPlainIO(input string) (*PlainIO, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	p := NewPlainIO(WithStreams(strings.NewReader(input), &out, &errOut), WithStyle(false))
	return p, &out, &errOut
}

func TestPlainIO_ReadInput(t *testing.T) {
	p, out, _ := newTestPlainIO("  hello  \nsecond\n")

	got, err := p.ReadInput()
	if err != nil || got != "hello" {
		t.Fatalf("ReadInput = %q, %v", got, err)
	}
	got, err = p.ReadInput()
	if err != nil || got != "second" {
		t.Fatalf("ReadInput = %q, %v", got, err)
	}
	if _, err := p.ReadInput(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if !strings.Contains(out.String(), "> ") {
		t.Errorf("prompt not printed: %q", out.String())
	}
}

func TestPlainIO_Confirm(t *testing.T) {
	tests := []struct {
		input string
		want  agent.Response
	}{
		{"y\n", agent.Accept},
		{"YES\n", agent.Accept},
		{"a\n", agent.AcceptAlways},
		{"always\n", agent.AcceptAlways},
		{"\n", agent.Decline},
		{"nope\n", agent.Decline},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			p, out, _ := newTestPlainIO(tt.input)
			got, err := p.Confirm(context.Background(), agent.ConfirmationRequest{
				Tool:      "write_file",
				Class:     permission.ClassMutating,
				Target:    "/work/a.txt",
				Arguments: `{"path":"a.txt"}`,
			})
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if !strings.Contains(out.String(), "target:  /work/a.txt") {
				t.Errorf("target not shown: %q", out.String())
			}
		})
	}
}

func TestPlainIO_ConfirmDangerousWarning(t *testing.T) {
	p, out, _ := newTestPlainIO("n\n")
	_, _ = p.Confirm(context.Background(), agent.ConfirmationRequest{
		Tool:    "bash",
		Class:   permission.ClassMutating,
		Command: "rm -rf /",
	})
	if !strings.Contains(out.String(), "WARNING") {
		t.Errorf("expected a warning for a dangerous command: %q", out.String())
	}
}

func TestPlainIO_ConfirmEOFDeclines(t *testing.T) {
	p, _, _ := newTestPlainIO("")
	got, err := p.Confirm(context.Background(), agent.ConfirmationRequest{Tool: "bash"})
	if got != agent.Decline || !errors.Is(err, io.EOF) {
		t.Fatalf("Confirm = %v, %v", got, err)
	}
}

func TestPlainIO_ConfirmCancelKeepsNextLine(t *testing.T) {
	pr, pw := io.Pipe()
	var out bytes.Buffer
	p := NewPlainIO(WithStreams(pr, &out, &out), WithStyle(false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := p.Confirm(ctx, agent.ConfirmationRequest{Tool: "bash"})
	if got != agent.Decline || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Confirm = %v, %v", got, err)
	}

	go func() {
		_, _ = io.WriteString(pw, "next prompt\n")
		_ = pw.Close()
	}()
	line, err := p.ReadInput()
	if err != nil || line != "next prompt" {
		t.Fatalf("ReadInput = %q, %v", line, err)
	}
}

func TestPlainIO_Output(t *testing.T) {
	p, out, errOut := newTestPlainIO("")
	p.ThinkingStart()
	p.TextDelta("Hello ")
	p.TextDelta("world")
	p.TextDone("Hello world")
	p.ToolStart("c1", "read_file", `{"path":"a.txt"}`)
	p.ToolDone("c1", "read_file", "line one\nline two", false)
	p.ToolDone("c2", "bash", "error: exit 1", true)
	p.SystemMessage("note")
	p.Error("boom")
	p.SetTokens(42)

	for _, want := range []string{"Hello world\n", "read_file", "✓ read_file: line one line two", "✗ bash: error: exit 1", "note"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if errOut.String() != "error: boom\n" {
		t.Errorf("stderr = %q", errOut.String())
	}
	if p.Tokens() != 42 {
		t.Errorf("Tokens = %d", p.Tokens())
	}
}

func TestPlainIO_MarkdownRendering(t *testing.T) {
	var out bytes.Buffer
	p := NewPlainIO(WithStreams(strings.NewReader(""), &out, &out), WithStyle(true))
	if p.md == nil {
		t.Skip("markdown renderer unavailable")
	}
	p.TextDelta("# Title")
	if out.Len() != 0 {
		t.Fatalf("deltas should be buffered when rendering markdown, got %q", out.String())
	}
	p.TextDone("# Title\n\nsome **bold** text")
	if !strings.Contains(out.String(), "Title") || strings.Contains(out.String(), "**bold**") {
		t.Errorf("markdown not rendered: %q", out.String())
	}
}
