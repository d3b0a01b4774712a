package cmd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/apexion-ai/agentloop/internal/agent"
	"github.com/apexion-ai/agentloop/internal/config"
	"github.com/apexion-ai/agentloop/internal/mcp"
	"github.com/apexion-ai/agentloop/internal/permission"
	"github.com/apexion-ai/agentloop/internal/provider"
	"github.com/apexion-ai/agentloop/internal/session"
	"github.com/apexion-ai/agentloop/internal/tools"
)

const mcpConnectTimeout = 30 * time.Second

// frontend is what the orchestrator needs from a UI.
type frontend interface {
	agent.Sink
	agent.Confirmer
}

// app is the wired process: store, backend, tools and orchestrator.
type app struct {
	cfg    *config.Config
	cwd    string
	logger *slog.Logger
	orch   *agent.Orchestrator
	mcp    *mcp.Manager

	closers []func() error
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// newApp wires the orchestrator for cfg with ui as sink and confirmer.
func newApp(ctx context.Context, cfg *config.Config, ui frontend) (_ *app, err error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, cwd: cwd}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)

	if cfg.Trace.File != "" {
		shutdown, err := setupTracing(cfg.Trace.File)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}

	var metrics *agent.Metrics
	if cfg.Metrics.Addr != "" {
		var stop func() error
		metrics, stop = serveMetrics(cfg.Metrics.Addr, logger)
		a.closers = append(a.closers, stop)
	}

	p, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	gate, err := buildGate(ctx, cfg.Approval, cwd, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry, err := a.buildRegistry(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dispatcher := tools.NewDispatcher(registry,
		tools.WithTimeout(cfg.Loop.ToolTimeout),
		tools.WithWorkers(cfg.Loop.Workers),
		tools.WithOutputLimit(cfg.Loop.OutputLimit),
		tools.WithLogger(logger),
	)

	opts := []agent.Option{
		agent.WithGate(gate),
		agent.WithStore(store),
		agent.WithConfirmer(ui),
		agent.WithSink(ui),
		agent.WithMetrics(metrics),
		agent.WithLogger(logger),
		agent.WithModel(cfg.ResolvedModel()),
		agent.WithSystemPrompt(agent.BuildSystemPrompt(cwd, cfg.SystemPrompt)),
		agent.WithDefaultPolicy(cfg.Policy()),
		agent.WithMaxIterations(cfg.Loop.MaxIterations),
		agent.WithMaxTokens(cfg.Loop.MaxTokens),
		agent.WithRetryBackoff(cfg.Loop.RetryBackoff),
		agent.WithContextOptions(a.contextOptions(p)...),
	}
	if cfg.Events.Enabled {
		opts = append(opts, agent.WithEventLog(""))
	}
	a.orch = agent.NewOrchestrator(p, dispatcher, opts...)
	a.closers = append(a.closers, a.orch.Close)
	return a, nil
}

// contextOptions configures compaction. The summarizer follows the
// orchestrator's current backend and model so /provider and /model apply
// to summaries too, unless context.summary_model pins one.
func (a *app) contextOptions(p provider.Provider) []session.ManagerOption {
	cfg := a.cfg.Context
	window := cmp.Or(a.cfg.ContextWindow, p.ContextWindow())
	sizer := session.SizerFor(cfg.Metric)
	budget := cmp.Or(cfg.Budget, session.BudgetForSizer(window, sizer))
	summarizer := session.SummarizerFunc(func(ctx context.Context, prev string, turns []session.Turn) (string, error) {
		s := &session.LLMSummarizer{
			Provider: a.orch.Provider(),
			Model:    cmp.Or(cfg.SummaryModel, a.orch.Model()),
		}
		return s.Summarize(ctx, prev, turns)
	})
	return []session.ManagerOption{
		session.WithBudget(budget),
		session.WithTail(cfg.Tail),
		session.WithSizer(sizer),
		session.WithSummarizer(summarizer),
	}
}

// buildRegistry registers the built-in tools and, when configured, the MCP
// server tools, then freezes the registry.
func (a *app) buildRegistry(ctx context.Context) (*tools.Registry, error) {
	root := cmp.Or(a.cfg.Approval.WorkspaceRoot, a.cwd)
	registry := tools.NewRegistry()
	if err := tools.RegisterAll(registry, tools.Builtins(root)...); err != nil {
		return nil, err
	}

	var extra []string
	if a.cfg.MCPConfig != "" {
		extra = append(extra, expandHome(a.cfg.MCPConfig))
	}
	mcpCfg, err := mcp.LoadConfig(a.cwd, extra...)
	if err != nil {
		a.logger.Warn("mcp config ignored", "error", err)
	} else if len(mcpCfg.Servers) > 0 {
		a.mcp = mcp.NewManager(mcpCfg, mcp.WithLogger(a.logger), mcp.WithVersion(appVersion))
		a.closers = append(a.closers, func() error { a.mcp.Close(); return nil })

		connectCtx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
		for _, err := range a.mcp.ConnectAll(connectCtx) {
			a.logger.Warn("mcp server unavailable", "error", err)
		}
		cancel()
		if n := mcp.RegisterTools(a.mcp, registry); n > 0 {
			a.logger.Info("mcp tools registered", "count", n)
		}
	}

	registry.Freeze()
	return registry, nil
}

func buildGate(ctx context.Context, cfg config.ApprovalConfig, cwd string, logger *slog.Logger) (*permission.Gate, error) {
	opts := []permission.GateOption{
		permission.WithWorkspaceRoot(cmp.Or(cfg.WorkspaceRoot, cwd)),
		permission.WithDangerousCommandBlocking(cfg.BlockDangerous),
		permission.WithGateLogger(logger),
	}
	if cfg.RulesFile != "" {
		rules, err := permission.LoadRuleSet(ctx, expandHome(cfg.RulesFile))
		if err != nil {
			return nil, err
		}
		opts = append(opts, permission.WithRules(rules))
	}
	return permission.NewGate(opts...), nil
}

// buildProvider creates the backend named by cfg.Provider. Anthropic uses its
// native API; every other provider speaks the OpenAI-compatible one.
func buildProvider(cfg *config.Config) (provider.Provider, error) {
	name := cfg.Provider
	apiKey := cfg.GetProviderConfig(name).APIKey
	if apiKey == "" {
		return nil, fmt.Errorf(
			"API key not configured for provider %q.\n"+
				"Set it via:\n"+
				"  - config file: providers.%s.api_key\n"+
				"  - environment: LLM_API_KEY\n"+
				"  - run: agentloop init",
			name, name,
		)
	}

	model := cfg.ResolvedModel()
	if name == "anthropic" {
		return provider.NewAnthropicProvider(apiKey, model), nil
	}
	baseURL := cfg.ResolvedBaseURL()
	if baseURL == "" {
		return nil, fmt.Errorf("unknown provider %q; set providers.%s.base_url in config", name, name)
	}
	return provider.NewOpenAIProvider(apiKey, baseURL, model), nil
}

// openStore opens the configured session backend.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (session.Store, error) {
	dir := expandHome(cfg.Dir)
	if dir == "" {
		d, err := config.DataDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	switch cfg.Backend {
	case "sqlite":
		return session.NewSQLiteStore(filepath.Join(dir, "sessions.db"), logger)
	default:
		return session.NewFileStore(filepath.Join(dir, "sessions"), logger)
	}
}

// newLogger builds the slog handler from config. Logs go to log.file when
// set, else to stderr.
func newLogger(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	w := stderr
	closeFn := func() error { return nil }
	if cfg.File != "" {
		path := expandHome(cfg.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closeFn = f, f.Close
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cmp.Or(cfg.Level, "info"))); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, hopts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(h), closeFn, nil
}

// setupTracing exports spans as JSON lines to path.
func setupTracing(path string) (func() error, error) {
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(tp.Shutdown(ctx), f.Close())
	}, nil
}

// serveMetrics registers the agent metrics on a fresh registry and serves
// it on addr at /metrics.
func serveMetrics(addr string, logger *slog.Logger) (*agent.Metrics, func() error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := agent.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Debug("serving metrics", "addr", addr)
	return metrics, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
