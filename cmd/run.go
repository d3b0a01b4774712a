package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/apexion-ai/agentloop/internal/agent"
	"github.com/apexion-ai/agentloop/internal/session"
	"github.com/apexion-ai/agentloop/internal/tui"
)

type runOptions struct {
	prompt    string
	format    string
	printLast bool
	assumeYes bool
	sessionID string
	quiet     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a single prompt non-interactively",
		Example: `  agentloop run -P "read main.go and tell me what it does"
  agentloop run -P "fix the failing test" --yes --approval auto-edit
  echo "summarize README.md" | agentloop run --format jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.prompt == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
				data, err := readAllLimited(os.Stdin, 1<<20)
				if err != nil {
					return err
				}
				opts.prompt = data
			}
			if opts.prompt == "" {
				return errors.New("--prompt / -P is required")
			}
			if opts.format != "text" && opts.format != "jsonl" {
				return fmt.Errorf("unknown --format %q (text or jsonl)", opts.format)
			}
			return runOnce(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.prompt, "prompt", "P", "", "the prompt to execute (default: read stdin)")
	f.StringVar(&opts.format, "format", "text", "output format: text or jsonl")
	f.BoolVar(&opts.printLast, "print-last", false, "print only the final answer")
	f.BoolVarP(&opts.assumeYes, "yes", "y", false, "accept every call that needs confirmation")
	f.StringVarP(&opts.sessionID, "session", "s", "", "continue a saved session (id or unique prefix)")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not report tool activity on stderr")
	return cmd
}

// runOnce executes a single prompt as one turn and exits.
func runOnce(parent context.Context, opts runOptions) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ui := tui.NewPipeIO(opts.format, !opts.quiet, opts.printLast, opts.assumeYes)
	app, err := newApp(ctx, cfg, ui)
	if err != nil {
		return err
	}
	defer app.Close()

	sess := session.New(cfg.Policy(), time.Now())
	if opts.sessionID != "" {
		id, err := agent.ResolveSessionID(app.orch.Store(), opts.sessionID)
		if err != nil {
			return err
		}
		if sess, err = app.orch.Store().Load(id); err != nil {
			return err
		}
		if approvalFlag != "" {
			sess.Policy = cfg.Policy()
		}
	}

	a := agent.New(app.orch, ui, cfg, sess, app.logger)
	_, err = a.RunOnce(ctx, opts.prompt)
	ui.Flush()
	if err != nil {
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return nil
}

// readAllLimited reads r up to limit bytes and trims surrounding space.
func readAllLimited(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin prompt exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}
