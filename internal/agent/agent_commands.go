package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/apexion-ai/agentloop/internal/permission"
	"github.com/apexion-ai/agentloop/internal/session"
)

var builtinCommands = map[string]bool{
	"/help": true, "/clear": true, "/config": true, "/model": true, "/provider": true,
	"/approval": true, "/trust": true, "/stats": true, "/tools": true, "/save": true,
	"/sessions": true, "/resume": true, "/checkpoint": true, "/checkpoints": true,
	"/restore": true, "/compact": true, "/events": true, "/commands": true, "/mcp": true,
	"/exit": true, "/quit": true, "/q": true,
}

func isBuiltinCommand(name string) bool { return builtinCommands[name] }

// handleSlashCommand runs a built-in or custom command. A custom command
// returns the prompt it expands to; quit ends the REPL.
func (a *Agent) handleSlashCommand(ctx context.Context, input string) (prompt string, quit bool) {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/exit", "/quit", "/q":
		a.ui.SystemMessage("Bye.")
		return "", true
	case "/help":
		a.ui.SystemMessage(helpText)
	case "/clear":
		a.handleClear()
	case "/config":
		a.handleConfig()
	case "/model":
		a.handleModel(arg)
	case "/provider":
		a.handleProvider(arg)
	case "/approval":
		a.handleApproval(arg)
	case "/trust":
		a.handleTrust(arg)
	case "/stats":
		a.handleStats()
	case "/tools":
		a.handleTools()
	case "/mcp":
		a.handleMCP()
	case "/save":
		a.handleSave()
	case "/sessions":
		a.handleSessions()
	case "/resume":
		a.handleResume(arg)
	case "/checkpoint":
		a.handleCheckpoint(arg)
	case "/checkpoints":
		a.handleCheckpoints()
	case "/restore":
		a.handleRestore(arg)
	case "/compact":
		a.handleCompact(ctx)
	case "/events":
		a.handleEvents(arg)
	case "/commands":
		a.ui.SystemMessage(formatCommandList(a.customCommands))
	default:
		if cc, ok := a.customCommands[strings.TrimPrefix(cmd, "/")]; ok {
			p, err := cc.Render(arg)
			if err != nil {
				a.ui.Error(err.Error())
				return "", false
			}
			return p, false
		}
		a.ui.Error(fmt.Sprintf("Unknown command %s. Type /help for the list.", cmd))
	}
	return "", false
}

const helpText = `Available commands:
  /help                 Show this help message
  /clear                Start a new session
  /config               Show the active configuration
  /model [name]         Show or switch the model
  /provider [name]      Show or switch the provider
  /approval [policy]    Show or set the approval policy (yolo, auto, auto-edit, on-request, never)
  /trust [reset]        List or clear "always allow" grants
  /stats                Show token usage and history size
  /tools                List available tools
  /mcp                  Show MCP server status
  /save                 Save the session
  /sessions             List saved sessions
  /resume <id-prefix>   Resume a saved session
  /checkpoint [label]   Snapshot the session (label defaults to cp-N)
  /checkpoints          List checkpoints of this session
  /restore <label>      Restore a checkpoint
  /compact              Summarize older history now
  /events [n]           Show the last n events (default 20)
  /commands             List custom commands
  /exit                 Save and quit`

func (a *Agent) handleClear() {
	old := a.Session()
	if st := a.orch.Store(); st != nil {
		if err := st.Save(old); err != nil {
			a.ui.Error("save: " + err.Error())
		}
	}
	sess := session.New(old.Policy, a.now())
	a.setSession(sess)
	a.ui.SystemMessage(fmt.Sprintf("Started new session %s. Previous session %s was saved.", shortID(sess.ID), shortID(old.ID)))
}

func (a *Agent) handleConfig() {
	sess := a.Session()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Provider:        %s\n", a.cfg.Provider)
	fmt.Fprintf(&sb, "Model:           %s\n", a.orch.Model())
	fmt.Fprintf(&sb, "Approval policy: %s\n", sess.Policy)
	fmt.Fprintf(&sb, "Max iterations:  %d\n", a.cfg.Loop.MaxIterations)
	fmt.Fprintf(&sb, "Workers:         %d\n", a.cfg.Loop.Workers)
	fmt.Fprintf(&sb, "Tool timeout:    %s\n", a.cfg.Loop.ToolTimeout)
	fmt.Fprintf(&sb, "Context budget:  %d %s (tail %d)\n", a.contextBudget(), a.cfg.Context.Metric, a.cfg.Context.Tail)
	fmt.Fprintf(&sb, "Session store:   %s\n", a.cfg.Store.Backend)
	if a.cfg.Approval.RulesFile != "" {
		fmt.Fprintf(&sb, "Rules file:      %s\n", a.cfg.Approval.RulesFile)
	}
	fmt.Fprintf(&sb, "Session:         %s", sess.ID)
	a.ui.SystemMessage(sb.String())
}

func (a *Agent) contextBudget() int {
	if a.cfg.Context.Budget > 0 {
		return a.cfg.Context.Budget
	}
	window := a.cfg.ContextWindow
	if window <= 0 {
		window = a.orch.Provider().ContextWindow()
	}
	return session.BudgetForSizer(window, session.SizerFor(a.cfg.Context.Metric))
}

func (a *Agent) handleModel(name string) {
	if name == "" {
		a.ui.SystemMessage("Current model: " + a.orch.Model())
		return
	}
	a.orch.SetProvider(a.orch.Provider(), name)
	a.cfg.Model = name
	a.ui.SystemMessage("Model switched to " + name)
}

func (a *Agent) handleProvider(name string) {
	if name == "" {
		a.ui.SystemMessage("Current provider: " + a.cfg.Provider)
		return
	}
	if a.providerFactory == nil {
		a.ui.Error("Switching providers is not available.")
		return
	}
	prev, prevModel := a.cfg.Provider, a.cfg.Model
	a.cfg.Provider = name
	a.cfg.Model = ""
	p, err := a.providerFactory(a.cfg)
	if err != nil {
		a.cfg.Provider, a.cfg.Model = prev, prevModel
		a.ui.Error("switch provider: " + err.Error())
		return
	}
	model := a.cfg.ResolvedModel()
	if model == "" {
		model = p.DefaultModel()
	}
	a.cfg.Model = model
	a.orch.SetProvider(p, model)
	a.ui.SystemMessage(fmt.Sprintf("Provider switched to %s (model %s)", name, model))
}

func (a *Agent) handleApproval(arg string) {
	sess := a.Session()
	if arg == "" {
		names := make([]string, len(permission.Policies))
		for i, p := range permission.Policies {
			names[i] = string(p)
		}
		a.ui.SystemMessage(fmt.Sprintf("Approval policy: %s\nAvailable: %s", sess.Policy, strings.Join(names, ", ")))
		return
	}
	p, err := permission.ParsePolicy(arg)
	if err != nil {
		a.ui.Error(err.Error())
		return
	}
	sess.Policy = p
	a.ui.SystemMessage("Approval policy set to " + string(p))
}

func (a *Agent) handleTrust(arg string) {
	sess := a.Session()
	if arg == "reset" {
		sess.Grants = nil
		a.ui.SystemMessage("Session grants cleared.")
		return
	}
	if len(sess.Grants) == 0 {
		a.ui.SystemMessage("No grants recorded.\nGrants are added when you answer \"always\" to a confirmation.")
		return
	}
	a.ui.SystemMessage("Always allowed in this session:\n  " + strings.Join(sess.Grants, "\n  "))
}

func (a *Agent) handleStats() {
	sess := a.Session()
	u := sess.Usage
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s\n", sess.ID)
	fmt.Fprintf(&sb, "  turns:      %d (last ordinal %d)\n", len(sess.Turns), sess.LastOrdinal())
	if sess.Summary != nil {
		fmt.Fprintf(&sb, "  summary:    ordinals %d-%d\n", sess.Summary.From, sess.Summary.Ordinal)
	}
	fmt.Fprintf(&sb, "  tokens:     %d total (%d prompt, %d completion, %d cached)\n",
		u.TotalTokens, u.PromptTokens, u.CompletionTokens, u.CachedTokens)
	fmt.Fprintf(&sb, "  context:    %d / %d", a.historySize(sess), a.contextBudget())
	a.ui.SystemMessage(sb.String())
}

func (a *Agent) historySize(sess *session.Session) int {
	var sizer session.Sizer = session.TokenSizer{}
	if a.cfg.Context.Metric == "chars" {
		sizer = session.CharSizer{}
	}
	return session.NewManager(sess, session.WithSizer(sizer)).CurrentSize()
}

func (a *Agent) handleTools() {
	all := a.orch.Registry().All()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tools (%d):\n", len(all))
	for _, t := range all {
		desc, _, _ := strings.Cut(t.Description(), "\n")
		fmt.Fprintf(&sb, "  %-20s %s\n", t.Name(), truncate(desc, 70))
	}
	a.ui.SystemMessage(strings.TrimRight(sb.String(), "\n"))
}

func (a *Agent) handleMCP() {
	if a.mcpStatus == nil {
		a.ui.SystemMessage("No MCP servers configured.")
		return
	}
	status := a.mcpStatus()
	if len(status) == 0 {
		a.ui.SystemMessage("No MCP servers configured.")
		return
	}
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	slices.Sort(names)
	var sb strings.Builder
	fmt.Fprintf(&sb, "MCP servers (%d):\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&sb, "  %-20s %s\n", name, status[name])
	}
	a.ui.SystemMessage(strings.TrimRight(sb.String(), "\n"))
}

func (a *Agent) store() session.Store {
	st := a.orch.Store()
	if st == nil {
		a.ui.Error("No session store configured.")
	}
	return st
}

func (a *Agent) handleSave() {
	st := a.store()
	if st == nil {
		return
	}
	sess := a.Session()
	if err := st.Save(sess); err != nil {
		a.ui.Error("save: " + err.Error())
		return
	}
	a.ui.SystemMessage("Session saved: " + sess.ID)
}

func (a *Agent) handleSessions() {
	st := a.store()
	if st == nil {
		return
	}
	infos, err := st.List()
	if err != nil {
		a.ui.Error("list sessions: " + err.Error())
		return
	}
	if len(infos) == 0 {
		a.ui.SystemMessage("No saved sessions.")
		return
	}
	current := a.Session().ID
	var sb strings.Builder
	sb.WriteString("Saved sessions:\n")
	for i, info := range infos {
		if i == 20 {
			fmt.Fprintf(&sb, "  ... and %d more\n", len(infos)-i)
			break
		}
		marker := " "
		if info.ID == current {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %s  %s  %3d turns  %7d tokens  %s\n", marker, shortID(info.ID),
			info.UpdatedAt.Local().Format("2006-01-02 15:04"), info.Turns, info.Tokens, info.Policy)
	}
	a.ui.SystemMessage(strings.TrimRight(sb.String(), "\n"))
}

func (a *Agent) handleResume(prefix string) {
	st := a.store()
	if st == nil {
		return
	}
	if prefix == "" {
		a.ui.Error("Usage: /resume <id-prefix>")
		return
	}
	id, err := ResolveSessionID(st, prefix)
	if err != nil {
		a.ui.Error(err.Error())
		return
	}
	sess, err := st.Load(id)
	if err != nil {
		a.ui.Error("resume: " + err.Error())
		return
	}
	a.setSession(sess)
	a.ui.SystemMessage(fmt.Sprintf("Resumed session %s (%d turns).", shortID(sess.ID), len(sess.Turns)))
}

// ResolveSessionID finds the unique saved session whose id starts with prefix.
func ResolveSessionID(st session.Store, prefix string) (string, error) {
	infos, err := st.List()
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	var matches []string
	for _, info := range infos {
		if info.ID == prefix {
			return info.ID, nil
		}
		if strings.HasPrefix(info.ID, prefix) {
			matches = append(matches, info.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no session matches %q", session.ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%q matches %d sessions; use a longer prefix", prefix, len(matches))
}

func (a *Agent) handleCheckpoint(label string) {
	info, err := a.orch.Checkpoint(a.Session(), label)
	if err != nil {
		a.ui.Error("checkpoint: " + err.Error())
		return
	}
	a.ui.SystemMessage(fmt.Sprintf("Checkpoint %s saved (%d turns, digest %s).", info.Label, info.TurnCount, info.Digest[:12]))
}

func (a *Agent) handleCheckpoints() {
	st := a.store()
	if st == nil {
		return
	}
	cps, err := st.Checkpoints(a.Session().ID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		a.ui.Error("list checkpoints: " + err.Error())
		return
	}
	if len(cps) == 0 {
		a.ui.SystemMessage("No checkpoints. Use /checkpoint [label] to create one.")
		return
	}
	a.ui.SystemMessage(FormatCheckpoints(cps))
}

// FormatCheckpoints renders checkpoint listings for the REPL and CLI.
func FormatCheckpoints(cps []session.CheckpointInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Checkpoints (%d):\n", len(cps))
	for _, cp := range cps {
		fmt.Fprintf(&sb, "  %-20s  %s  %3d turns  %s\n", cp.Label,
			cp.CreatedAt.Local().Format("2006-01-02 15:04:05"), cp.TurnCount, cp.Digest[:12])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (a *Agent) handleRestore(label string) {
	if label == "" {
		a.ui.Error("Usage: /restore <label>")
		return
	}
	sess, err := a.orch.Restore(a.Session().ID, label)
	if err != nil {
		a.ui.Error("restore: " + err.Error())
		return
	}
	a.setSession(sess)
	a.ui.SystemMessage(fmt.Sprintf("Restored checkpoint %s (%d turns).", label, len(sess.Turns)))
}

func (a *Agent) handleCompact(ctx context.Context) {
	res, err := a.orch.Compact(ctx, a.Session(), true)
	switch {
	case err != nil:
		a.ui.Error("compact: " + err.Error())
	case !res.Compacted:
		a.ui.SystemMessage("Nothing to compact.")
	default:
		sess := a.Session()
		a.ui.SystemMessage(fmt.Sprintf("Compacted %d turns: %d -> %d. Summary:\n%s",
			res.Summarized, res.SizeBefore, res.SizeAfter, truncate(sess.Summary.Text, 300)))
	}
}

func (a *Agent) handleEvents(arg string) {
	n := 20
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			a.ui.Error("Usage: /events [n]")
			return
		}
		n = v
	}
	events, err := a.orch.EventLog(a.Session().ID).ReadRecent(n)
	if err != nil {
		a.ui.Error(err.Error())
		return
	}
	a.ui.SystemMessage(FormatEvents(events, "Recent events"))
}
