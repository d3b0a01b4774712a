package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrNotConnected is returned for calls to a server without a live session.
var ErrNotConnected = errors.New("mcp server not connected")

// DefaultCooldown is how long a server that failed to connect is left alone.
const DefaultCooldown = 30 * time.Second

// Manager owns the connections to the configured servers. It is safe for
// concurrent use; calls to different servers do not block each other.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverConn
	logger   *slog.Logger
	version  string
	cooldown time.Duration
	now      func() time.Time
	dial     func(ServerConfig) (mcp.Transport, error)
}

type serverConn struct {
	mu            sync.Mutex
	name          string
	config        ServerConfig
	session       *mcp.ClientSession
	tools         []*mcp.Tool
	cooldownUntil time.Time
	lastErr       error
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithVersion sets the client version reported to servers.
func WithVersion(v string) Option { return func(m *Manager) { m.version = v } }

func WithCooldown(d time.Duration) Option { return func(m *Manager) { m.cooldown = d } }

// NewManager creates a Manager for cfg without connecting.
func NewManager(cfg *Config, opts ...Option) *Manager {
	m := &Manager{
		servers:  make(map[string]*serverConn),
		logger:   slog.Default(),
		version:  "dev",
		cooldown: DefaultCooldown,
		now:      time.Now,
		dial:     buildTransport,
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, srv := range cfg.Servers {
		m.servers[name] = &serverConn{name: name, config: srv}
	}
	return m
}

// Names returns the configured server names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectAll connects every server and caches its tool list. One server
// failing does not affect the others; all failures are returned.
func (m *Manager) ConnectAll(ctx context.Context) []error {
	_, errs := m.EnsureConnected(ctx, m.Names())
	return errs
}

// EnsureConnected connects the named servers that are not yet connected and
// returns the ones that are connected afterwards. Servers in cooldown after
// a failure are skipped.
func (m *Manager) EnsureConnected(ctx context.Context, names []string) ([]string, []error) {
	var connected []string
	var errs []error
	for _, name := range names {
		conn, ok := m.conn(name)
		if !ok {
			errs = append(errs, fmt.Errorf("mcp server %q: not configured", name))
			continue
		}
		if err := m.connect(ctx, conn); err != nil {
			errs = append(errs, fmt.Errorf("mcp server %q: %w", name, err))
			continue
		}
		connected = append(connected, name)
	}
	return connected, errs
}

func (m *Manager) conn(name string) (*serverConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.servers[name]
	return conn, ok
}

func (m *Manager) connect(ctx context.Context, conn *serverConn) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.session != nil {
		return nil
	}
	now := m.now()
	if conn.inCooldown(now) {
		return fmt.Errorf("in cooldown until %s: %v", conn.cooldownUntil.Format(time.TimeOnly), conn.lastErr)
	}

	session, err := m.dialSession(ctx, conn)
	if err != nil {
		conn.noteFailure(err, now, m.cooldown)
		m.logger.Warn("mcp connect failed", "server", conn.name, "error", err)
		return err
	}
	conn.session = session

	res, err := session.ListTools(ctx, nil)
	if err != nil {
		m.logger.Warn("mcp list tools failed", "server", conn.name, "error", err)
		conn.tools = nil
	} else {
		conn.tools = res.Tools
	}
	conn.noteSuccess()
	m.logger.Info("mcp server connected", "server", conn.name, "tools", len(conn.tools))
	return nil
}

// dialSession connects over the configured transport. A URL without an
// explicit type tries streamable HTTP first and falls back to SSE, which
// older servers still speak.
func (m *Manager) dialSession(ctx context.Context, conn *serverConn) (*mcp.ClientSession, error) {
	transport, err := m.dial(conn.config)
	if err != nil {
		return nil, err
	}
	session, err := m.newClient().Connect(ctx, transport, nil)
	if err == nil {
		return session, nil
	}
	if conn.config.URL == "" || conn.config.Type != "" {
		return nil, fmt.Errorf("connect: %w", err)
	}

	sseCfg := conn.config
	sseCfg.Type = ServerTypeSSE
	sseTransport, sseErr := m.dial(sseCfg)
	if sseErr != nil {
		return nil, fmt.Errorf("connect (streamable HTTP: %v; SSE: %w)", err, sseErr)
	}
	session, sseErr = m.newClient().Connect(ctx, sseTransport, nil)
	if sseErr != nil {
		return nil, fmt.Errorf("connect (streamable HTTP: %v; SSE: %w)", err, sseErr)
	}
	conn.config.Type = ServerTypeSSE
	return session, nil
}

func (m *Manager) newClient() *mcp.Client {
	return mcp.NewClient(&mcp.Implementation{Name: "agentloop", Version: m.version}, nil)
}

// CallTool calls tool on server. A transport failure drops the session,
// reconnects once and retries. isError reports that the tool itself
// returned error content.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (output string, isError bool, err error) {
	conn, ok := m.conn(server)
	if !ok {
		return "", false, fmt.Errorf("mcp server %q: not configured", server)
	}

	res, err := conn.callTool(ctx, tool, args)
	if err != nil && ctx.Err() == nil {
		conn.mu.Lock()
		conn.disconnect()
		conn.mu.Unlock()
		if rerr := m.connect(ctx, conn); rerr != nil {
			return "", false, fmt.Errorf("call %s on %q (reconnect failed: %v): %w", tool, server, rerr, err)
		}
		res, err = conn.callTool(ctx, tool, args)
	}
	if err != nil {
		return "", false, fmt.Errorf("call %s on %q: %w", tool, server, err)
	}
	return extractContent(res), res.IsError, nil
}

// Tool is a tool advertised by a connected server.
type Tool struct {
	Server string
	Config ServerConfig
	Tool   *mcp.Tool
}

// Tools returns the cached tools of every connected server, ordered by
// server then tool name.
func (m *Manager) Tools() []Tool {
	var out []Tool
	for _, name := range m.Names() {
		conn, _ := m.conn(name)
		conn.mu.Lock()
		for _, t := range conn.tools {
			out = append(out, Tool{Server: name, Config: conn.config, Tool: t})
		}
		conn.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}

// Status describes each server's connection state.
func (m *Manager) Status() map[string]string {
	now := m.now()
	out := make(map[string]string)
	for _, name := range m.Names() {
		conn, _ := m.conn(name)
		conn.mu.Lock()
		switch {
		case conn.session != nil:
			out[name] = fmt.Sprintf("connected (%d tools)", len(conn.tools))
		case conn.inCooldown(now):
			out[name] = fmt.Sprintf("degraded (cooldown %s): %v",
				conn.cooldownUntil.Sub(now).Round(time.Second), conn.lastErr)
		case conn.lastErr != nil:
			out[name] = "disconnected: " + conn.lastErr.Error()
		default:
			out[name] = "disconnected"
		}
		conn.mu.Unlock()
	}
	return out
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.servers {
		conn.mu.Lock()
		conn.disconnect()
		conn.mu.Unlock()
	}
}

// The methods below expect conn.mu to be held, except callTool.

func (conn *serverConn) inCooldown(now time.Time) bool {
	return now.Before(conn.cooldownUntil)
}

func (conn *serverConn) noteFailure(err error, now time.Time, cooldown time.Duration) {
	conn.lastErr = err
	conn.cooldownUntil = now.Add(cooldown)
}

func (conn *serverConn) noteSuccess() {
	conn.lastErr = nil
	conn.cooldownUntil = time.Time{}
}

func (conn *serverConn) disconnect() {
	if conn.session != nil {
		_ = conn.session.Close()
		conn.session = nil
	}
	conn.tools = nil
}

func (conn *serverConn) callTool(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	conn.mu.Lock()
	session := conn.session
	conn.mu.Unlock()
	if session == nil {
		return nil, ErrNotConnected
	}
	return session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
}

func buildTransport(cfg ServerConfig) (mcp.Transport, error) {
	switch cfg.EffectiveType() {
	case ServerTypeStdio:
		if cfg.Command == "" {
			return nil, errors.New("stdio transport requires \"command\"")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case ServerTypeHTTP:
		if cfg.URL == "" {
			return nil, errors.New("http transport requires \"url\"")
		}
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: headerClient(cfg.Headers)}, nil
	case ServerTypeSSE:
		if cfg.URL == "" {
			return nil, errors.New("sse transport requires \"url\"")
		}
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: headerClient(cfg.Headers)}, nil
	}
	return nil, fmt.Errorf("unknown transport type %q", cfg.EffectiveType())
}

// headerClient returns nil (the SDK default) when there are no headers.
func headerClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerRoundTripper{base: http.DefaultTransport, headers: headers}}
}

func extractContent(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}
