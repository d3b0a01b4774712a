package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apexion-ai/agentloop/internal/agent"
	"github.com/apexion-ai/agentloop/internal/config"
	"github.com/apexion-ai/agentloop/internal/provider"
	"github.com/apexion-ai/agentloop/internal/session"
	"github.com/apexion-ai/agentloop/internal/tui"
)

// runChat starts the interactive REPL. The first Ctrl+C interrupts the
// running turn; one at the prompt ends the session.
func runChat(parent context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ui := tui.NewPlainIO()
	app, err := newApp(ctx, cfg, ui)
	if err != nil {
		return err
	}
	defer app.Close()

	sess := session.New(cfg.Policy(), time.Now())
	a := agent.New(app.orch, ui, cfg, sess, app.logger)
	a.SetProviderFactory(func(c *config.Config) (provider.Provider, error) {
		return buildProvider(c)
	})
	a.LoadCustomCommands(app.cwd)
	if app.mcp != nil {
		a.SetMCPStatus(app.mcp.Status)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGINT && a.Interrupt() {
				continue
			}
			cancel()
			return
		}
	}()

	ui.SystemMessage(fmt.Sprintf("agentloop %s | %s/%s | policy %s | session %s",
		appVersion, cfg.Provider, app.orch.Model(), sess.Policy, sess.ID[:8]))
	ui.SystemMessage("Type /help for commands, /exit to quit.")
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
