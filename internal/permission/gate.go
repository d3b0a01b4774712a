package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Request describes one tool call awaiting an approval decision.
type Request struct {
	Policy  Policy
	Class   Class
	Tool    string
	Target  string // cleaned absolute path or resource the call acts on
	Command string // shell command, for tools that run one
	Args    json.RawMessage
	Granted bool // the user chose "always allow" for every grant key earlier
}

// Verdict is the gate's answer for a Request.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Gate applies the decision table, then tightening overlays.
type Gate struct {
	root           string
	blockDangerous bool
	rules          *RuleSet
	logger         *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithWorkspaceRoot makes mutating calls outside root require confirmation.
func WithWorkspaceRoot(root string) GateOption {
	return func(g *Gate) {
		if root != "" {
			if abs, err := filepath.Abs(root); err == nil {
				root = abs
			}
		}
		g.root = root
	}
}

// WithDangerousCommandBlocking blocks shell commands matching destructive patterns.
func WithDangerousCommandBlocking(on bool) GateOption {
	return func(g *Gate) { g.blockDangerous = on }
}

// WithRules adds a rego rule overlay.
func WithRules(rs *RuleSet) GateOption {
	return func(g *Gate) { g.rules = rs }
}

// WithGateLogger sets the logger for overlay failures.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a gate. Dangerous command blocking is on by default.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{blockDangerous: true, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Evaluate decides a request. Overlays only ever raise strictness, and under
// the never policy anything that would need confirmation is blocked instead.
func (g *Gate) Evaluate(ctx context.Context, req Request) Verdict {
	v := Verdict{
		Decision: Decide(req.Policy, req.Class),
		Reason:   fmt.Sprintf("%s call under %s policy", req.Class, req.Policy),
	}
	if !req.Policy.Valid() {
		v.Reason = fmt.Sprintf("unknown policy %q", req.Policy)
		return v
	}
	if v.Decision == Confirm && req.Granted {
		v = Verdict{Decision: Auto, Reason: "allowed earlier in this session"}
	}

	if req.Policy != PolicyYolo {
		if g.blockDangerous && req.Command != "" && IsDangerousCommand(req.Command) {
			v = g.raise(v, req.Policy, Block, "dangerous command")
		}
		if req.Class.Mutating() && g.outsideRoot(req.Target) {
			v = g.raise(v, req.Policy, Confirm, "target outside workspace "+g.root)
		}
	}

	if g.rules != nil {
		d, reason, err := g.rules.Evaluate(ctx, g.ruleInput(req))
		if err != nil {
			g.logger.Warn("rule evaluation failed", "tool", req.Tool, "error", err)
			d, reason = Confirm, "rule evaluation failed"
		}
		if reason == "" {
			reason = "rule " + d.String()
		}
		v = g.raise(v, req.Policy, d, reason)
	}
	return v
}

func (g *Gate) raise(v Verdict, p Policy, to Decision, reason string) Verdict {
	if to == Confirm && p == PolicyNever {
		to = Block
	}
	if to <= v.Decision {
		return v
	}
	return Verdict{Decision: to, Reason: reason}
}

func (g *Gate) outsideRoot(target string) bool {
	if g.root == "" || target == "" || !filepath.IsAbs(target) {
		return false
	}
	rel, err := filepath.Rel(g.root, filepath.Clean(target))
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (g *Gate) ruleInput(req Request) map[string]any {
	in := map[string]any{
		"tool":    req.Tool,
		"class":   req.Class.String(),
		"target":  req.Target,
		"command": req.Command,
		"policy":  string(req.Policy),
		"args":    map[string]any{},
	}
	if len(req.Args) > 0 {
		var args map[string]any
		if json.Unmarshal(req.Args, &args) == nil && args != nil {
			in["args"] = args
		}
	}
	return in
}

// ── Session grants ──────────────────────────────────────────────

// wrapperPrograms run the command given in their arguments, so a grant for
// them is kept to the exact sub-command.
var wrapperPrograms = map[string]bool{
	"env": true, "sudo": true, "xargs": true, "nohup": true, "time": true, "nice": true,
	"timeout": true, "command": true, "exec": true, "eval": true, "bash": true, "sh": true, "zsh": true,
}

// GrantKeys returns the keys an "always allow" answer is remembered under. A
// shell command yields one key per chained program and is granted only when
// every key is. Commands with substitution are keyed on their full text. File
// grants cover one tool and path.
func GrantKeys(tool, target, command string) []string {
	if command = strings.TrimSpace(command); command != "" {
		if strings.Contains(command, "$(") || strings.Contains(command, "`") {
			return []string{tool + ":" + command}
		}
		var keys []string
		for _, part := range splitCommands(command) {
			if prog := programOf(part); prog != "" {
				if wrapperPrograms[prog] {
					keys = append(keys, tool+":"+strings.Join(strings.Fields(part), " "))
					continue
				}
				keys = append(keys, tool+":"+prog)
			}
		}
		if len(keys) > 0 {
			slices.Sort(keys)
			return slices.Compact(keys)
		}
	}
	if target != "" {
		return []string{tool + ":" + target}
	}
	return []string{tool}
}

// programOf returns the program a sub-command runs, skipping leading
// VAR=value assignments.
func programOf(part string) string {
	for _, f := range strings.Fields(part) {
		if i := strings.IndexByte(f, '='); i > 0 && !strings.ContainsAny(f[:i], "/.-") {
			continue
		}
		return f
	}
	return ""
}

// Grants is a concurrency-safe set of grant keys.
type Grants struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewGrants creates a set seeded with keys.
func NewGrants(keys ...string) *Grants {
	g := &Grants{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		g.keys[k] = struct{}{}
	}
	return g
}

func (g *Grants) Add(keys ...string) {
	g.mu.Lock()
	for _, k := range keys {
		g.keys[k] = struct{}{}
	}
	g.mu.Unlock()
}

func (g *Grants) Has(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[key]
	return ok
}

// HasAll reports whether every key is granted. It is false for no keys.
func (g *Grants) HasAll(keys []string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		if _, ok := g.keys[k]; !ok {
			return false
		}
	}
	return len(keys) > 0
}

func (g *Grants) Reset() {
	g.mu.Lock()
	g.keys = make(map[string]struct{})
	g.mu.Unlock()
}

// List returns the keys sorted.
func (g *Grants) List() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.keys))
	for k := range g.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
