package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/apexion-ai/agentloop/internal/config"
	"github.com/apexion-ai/agentloop/internal/provider"
	"github.com/apexion-ai/agentloop/internal/session"
)

// Frontend is the terminal surface of the REPL.
type Frontend interface {
	Sink
	Confirmer
	// ReadInput blocks for the next line of user input. io.EOF ends the REPL.
	ReadInput() (string, error)
	UserMessage(text string)
}

// ProviderFactory builds a backend from config, for /provider.
type ProviderFactory func(cfg *config.Config) (provider.Provider, error)

// Agent is the interactive controller: it reads user input, handles slash
// commands and runs everything else as a turn on the Orchestrator.
type Agent struct {
	orch            *Orchestrator
	ui              Frontend
	cfg             *config.Config
	logger          *slog.Logger
	providerFactory ProviderFactory
	customCommands  map[string]*CustomCommand
	mcpStatus       func() map[string]string
	now             func() time.Time

	mu         sync.Mutex
	sess       *session.Session
	cancelTurn context.CancelFunc
}

// New creates a REPL over orch for sess.
func New(orch *Orchestrator, ui Frontend, cfg *config.Config, sess *session.Session, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		orch:           orch,
		ui:             ui,
		cfg:            cfg,
		logger:         logger,
		sess:           sess,
		customCommands: map[string]*CustomCommand{},
		now:            time.Now,
	}
}

// SetProviderFactory enables /provider.
func (a *Agent) SetProviderFactory(f ProviderFactory) { a.providerFactory = f }

// SetMCPStatus enables /mcp with a per-server status source.
func (a *Agent) SetMCPStatus(f func() map[string]string) { a.mcpStatus = f }

// LoadCustomCommands loads user-defined slash commands visible from cwd.
func (a *Agent) LoadCustomCommands(cwd string) {
	a.customCommands = loadCustomCommands(commandDirs(cwd, findGitRoot(cwd)), a.logger)
}

// Session returns the active session.
func (a *Agent) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *Agent) setSession(s *session.Session) {
	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()
	a.ui.SetTokens(s.Usage.TotalTokens)
}

// Interrupt cancels the running turn. It reports false when no turn was
// running.
func (a *Agent) Interrupt() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelTurn == nil {
		return false
	}
	a.cancelTurn()
	return true
}

// Run reads input until EOF, /exit or ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	sess := a.Session()
	a.orch.EventLog(sess.ID).Log(EventSessionStart, map[string]any{"session_id": sess.ID})
	defer a.finish()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		input, err := a.ui.ReadInput()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			prompt, quit := a.handleSlashCommand(ctx, input)
			if quit {
				return nil
			}
			if prompt == "" {
				continue
			}
			input = prompt
		}

		a.ui.UserMessage(input)
		if _, err := a.runTurn(ctx, input); err != nil {
			a.reportTurnError(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// RunOnce runs a single prompt as one turn.
func (a *Agent) RunOnce(ctx context.Context, prompt string) (FinalAnswer, error) {
	a.ui.UserMessage(prompt)
	ans, err := a.runTurn(ctx, prompt)
	a.finish()
	return ans, err
}

func (a *Agent) runTurn(ctx context.Context, input string) (FinalAnswer, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelTurn = cancel
	sess := a.sess
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancelTurn = nil
		a.mu.Unlock()
		cancel()
	}()
	return a.orch.RunTurn(turnCtx, sess, input)
}

func (a *Agent) reportTurnError(err error) {
	switch {
	case errors.Is(err, context.Canceled):
		a.ui.SystemMessage("Interrupted.")
	case errors.Is(err, ErrLoopBudgetExhausted):
		a.ui.SystemMessage(fmt.Sprintf("Stopped after %d model round trips. Send another message to continue.", a.cfg.Loop.MaxIterations))
	case errors.Is(err, ErrBackendUnavailable):
		a.ui.Error("The model backend is unavailable: " + err.Error())
	default:
		a.ui.Error(err.Error())
	}
}

func (a *Agent) finish() {
	sess := a.Session()
	a.orch.EventLog(sess.ID).Log(EventSessionEnd, map[string]any{
		"session_id":  sess.ID,
		"turns":       len(sess.Turns),
		"tokens_used": sess.Usage.TotalTokens,
	})
	if st := a.orch.Store(); st != nil {
		if err := st.Save(sess); err != nil {
			a.logger.Warn("session save failed", "session", sess.ID, "error", err)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
