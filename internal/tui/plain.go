package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/apexion-ai/agentloop/internal/agent"
	"github.com/apexion-ai/agentloop/internal/permission"
)

// PlainIO is the line-oriented terminal frontend. On a terminal it styles
// output with lipgloss and renders final answers as Markdown; otherwise it
// streams raw text.
type PlainIO struct {
	out    io.Writer
	errOut io.Writer

	in       *bufio.Scanner
	lines    chan string
	readErr  error
	readOnce sync.Once

	styled   bool
	styleSet bool
	md       *glamour.TermRenderer
	tokens   int

	mu sync.Mutex
}

// PlainOption configures a PlainIO.
type PlainOption func(*PlainIO)

// WithStreams replaces stdin, stdout and stderr.
func WithStreams(in io.Reader, out, errOut io.Writer) PlainOption {
	return func(p *PlainIO) {
		p.in = newScanner(in)
		p.out = out
		p.errOut = errOut
	}
}

// WithStyle forces styled output (and Markdown rendering) on or off.
func WithStyle(on bool) PlainOption {
	return func(p *PlainIO) {
		p.styled = on
		p.styleSet = true
	}
}

// NewPlainIO creates a PlainIO on the process streams. Unless WithStyle is
// given, styling is enabled when the output is a terminal.
func NewPlainIO(opts ...PlainOption) *PlainIO {
	p := &PlainIO{
		out:    os.Stdout,
		errOut: os.Stderr,
		in:     newScanner(os.Stdin),
		lines:  make(chan string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.styleSet {
		p.styled = IsTerminal(p.out)
	}
	if p.styled {
		if r, err := newMarkdownRenderer(termWidth(p.out)); err == nil {
			p.md = r
		}
	}
	return p
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	return s
}

// readLoop feeds input lines to p.lines until EOF. One goroutine serves both
// ReadInput and Confirm, so an abandoned confirmation does not swallow the
// next line.
func (p *PlainIO) readLoop() {
	for p.in.Scan() {
		p.lines <- p.in.Text()
	}
	p.mu.Lock()
	p.readErr = p.in.Err()
	p.mu.Unlock()
	close(p.lines)
}

func (p *PlainIO) nextLine(ctx context.Context) (string, error) {
	p.readOnce.Do(func() { go p.readLoop() })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			p.mu.Lock()
			err := p.readErr
			p.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return "", err
		}
		return line, nil
	}
}

func (p *PlainIO) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *PlainIO) ReadInput() (string, error) {
	p.mu.Lock()
	fmt.Fprint(p.out, "\n"+p.style(promptStyle, ">")+" ")
	p.mu.Unlock()
	line, err := p.nextLine(context.Background())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// UserMessage is a no-op: the user already sees what they typed.
func (p *PlainIO) UserMessage(string) {}

func (p *PlainIO) ThinkingStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.md != nil {
		fmt.Fprintln(p.out, p.style(systemStyle, "\nthinking..."))
		return
	}
	fmt.Fprintln(p.out)
}

func (p *PlainIO) TextDelta(delta string) {
	if p.md != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, delta)
}

func (p *PlainIO) TextDone(fullText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.md == nil {
		if fullText != "" {
			fmt.Fprintln(p.out)
		}
		return
	}
	if strings.TrimSpace(fullText) == "" {
		return
	}
	rendered, err := p.md.Render(fullText)
	if err != nil {
		rendered = fullText + "\n"
	}
	fmt.Fprint(p.out, rendered)
}

func (p *PlainIO) ToolStart(_, name, params string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s\n", p.style(systemStyle, "●"), p.style(toolNameStyle, name),
		p.style(toolParamStyle, truncate(strings.ReplaceAll(params, "\n", " "), 80)))
}

func (p *PlainIO) ToolDone(_, name, result string, isErr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	preview := truncate(strings.ReplaceAll(strings.TrimSpace(result), "\n", " "), 100)
	if isErr {
		fmt.Fprintf(p.out, "  %s %s: %s\n", p.style(toolErrorStyle, "✗"), name, preview)
		return
	}
	fmt.Fprintf(p.out, "  %s %s: %s\n", p.style(toolSuccessStyle, "✓"), name, preview)
}

// Confirm asks y (once), a (always for this target) or N. Anything else,
// EOF and cancellation decline.
func (p *PlainIO) Confirm(ctx context.Context, req agent.ConfirmationRequest) (agent.Response, error) {
	p.mu.Lock()
	var sb strings.Builder
	if req.Class.Mutating() && req.Command != "" && permission.IsDangerousCommand(req.Command) {
		sb.WriteString(p.style(warnStyle, "WARNING: dangerous command") + "\n")
	}
	fmt.Fprintf(&sb, "\n%s %s (%s)\n", p.style(warnStyle, "Allow"), p.style(toolNameStyle, req.Tool), req.Class)
	switch {
	case req.Command != "":
		fmt.Fprintf(&sb, "  command: %s\n", req.Command)
	case req.Target != "":
		fmt.Fprintf(&sb, "  target:  %s\n", req.Target)
	}
	fmt.Fprintf(&sb, "  %s\n", p.style(toolParamStyle, truncate(req.Arguments, 200)))
	if req.Reason != "" {
		fmt.Fprintf(&sb, "  %s\n", p.style(systemStyle, req.Reason))
	}
	sb.WriteString("[y]es / [a]lways / [N]o: ")
	fmt.Fprint(p.out, sb.String())
	p.mu.Unlock()

	line, err := p.nextLine(ctx)
	if err != nil {
		return agent.Decline, err
	}
	return parseAnswer(line), nil
}

func parseAnswer(line string) agent.Response {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return agent.Accept
	case "a", "always":
		return agent.AcceptAlways
	}
	return agent.Decline
}

func (p *PlainIO) SystemMessage(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.style(systemStyle, text))
}

func (p *PlainIO) Error(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.errOut, p.style(errorStyle, "error: ")+msg)
}

func (p *PlainIO) SetTokens(n int) {
	p.mu.Lock()
	p.tokens = n
	p.mu.Unlock()
}

// Tokens returns the last reported session token count.
func (p *PlainIO) Tokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}
