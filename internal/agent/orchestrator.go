package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexion-ai/agentloop/internal/permission"
	"github.com/apexion-ai/agentloop/internal/provider"
	"github.com/apexion-ai/agentloop/internal/session"
	"github.com/apexion-ai/agentloop/internal/tools"
)

var tracer = otel.Tracer("agentloop.agent")

const (
	DefaultMaxIterations = 50
	DefaultMaxTokens     = 8192
	DefaultRetryBackoff  = 2 * time.Second
)

// FinalAnswer is the outcome of a completed turn.
type FinalAnswer struct {
	Text       string
	Iterations int
	Usage      session.Usage
}

// Orchestrator drives the agentic loop for any number of sessions, one turn
// per session at a time.
type Orchestrator struct {
	provider     provider.Provider
	dispatcher   *tools.Dispatcher
	gate         *permission.Gate
	store        session.Store
	confirmer    Confirmer
	sink         Sink
	metrics      *Metrics
	logger       *slog.Logger
	model        string
	systemPrompt string
	policy       permission.Policy

	maxIterations int
	maxTokens     int
	retryBackoff  time.Duration
	contextOpts   []session.ManagerOption

	eventsEnabled bool
	eventsDir     string

	mu     sync.Mutex
	busy   map[string]bool
	events map[string]*EventLogger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithGate(g *permission.Gate) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.gate = g
		}
	}
}

// WithStore persists sessions after every turn.
func WithStore(s session.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

func WithSink(s Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.systemPrompt = p }
}

// WithDefaultPolicy is used for sessions that carry no policy of their own.
func WithDefaultPolicy(p permission.Policy) Option {
	return func(o *Orchestrator) {
		if p.Valid() {
			o.policy = p
		}
	}
}

func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithRetryBackoff sets the base delay before the single backend retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.retryBackoff = d
		}
	}
}

// WithContextOptions configures the per-turn session.Manager (budget, tail,
// sizer, summarizer).
func WithContextOptions(opts ...session.ManagerOption) Option {
	return func(o *Orchestrator) { o.contextOpts = append(o.contextOpts, opts...) }
}

// WithEventLog enables the JSONL event log under dir (empty = default dir).
func WithEventLog(dir string) Option {
	return func(o *Orchestrator) {
		o.eventsEnabled = true
		o.eventsDir = dir
	}
}

// NewOrchestrator wires a backend and a dispatcher. The dispatcher's registry
// should be frozen before the first turn.
func NewOrchestrator(p provider.Provider, d *tools.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:      p,
		dispatcher:    d,
		gate:          permission.NewGate(),
		sink:          nopSink{},
		logger:        slog.Default(),
		policy:        permission.PolicyAuto,
		maxIterations: DefaultMaxIterations,
		maxTokens:     DefaultMaxTokens,
		retryBackoff:  DefaultRetryBackoff,
		busy:          make(map[string]bool),
		events:        make(map[string]*EventLogger),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Provider returns the model backend.
func (o *Orchestrator) Provider() provider.Provider { return o.provider }

// SetProvider swaps the backend between turns.
func (o *Orchestrator) SetProvider(p provider.Provider, model string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.provider = p
	o.model = model
}

// Model returns the model used for requests.
func (o *Orchestrator) Model() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.model != "" {
		return o.model
	}
	return o.provider.DefaultModel()
}

// Registry returns the tool registry behind the dispatcher.
func (o *Orchestrator) Registry() *tools.Registry { return o.dispatcher.Registry() }

// Store returns the configured session store, or nil.
func (o *Orchestrator) Store() session.Store { return o.store }

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy[id] {
		return false
	}
	o.busy[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, id)
}

// EventLog returns the event log of a session, opening it on first use.
// It returns nil when event logging is disabled or the log cannot be opened.
func (o *Orchestrator) EventLog(sessionID string) *EventLogger {
	if !o.eventsEnabled {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if el, ok := o.events[sessionID]; ok {
		return el
	}
	el, err := NewEventLogger(o.eventsDir, sessionID)
	if err != nil {
		o.logger.Warn("event log disabled", "session", sessionID, "error", err)
		el = nil
	}
	o.events[sessionID] = el
	return el
}

// Close releases event logs and the store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	for id, el := range o.events {
		el.Close()
		delete(o.events, id)
	}
	o.mu.Unlock()
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// Checkpoint snapshots a session that is not running a turn.
func (o *Orchestrator) Checkpoint(sess *session.Session, label string) (session.CheckpointInfo, error) {
	if o.store == nil {
		return session.CheckpointInfo{}, errors.New("no session store configured")
	}
	if !o.acquire(sess.ID) {
		return session.CheckpointInfo{}, fmt.Errorf("%w: %s", ErrSessionBusy, sess.ID)
	}
	defer o.release(sess.ID)
	if err := o.store.Save(sess); err != nil {
		return session.CheckpointInfo{}, err
	}
	return o.store.Checkpoint(sess, label)
}

// Restore replaces the current slot of a session that is not running a turn.
func (o *Orchestrator) Restore(id, label string) (*session.Session, error) {
	if o.store == nil {
		return nil, errors.New("no session store configured")
	}
	if !o.acquire(id) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	defer o.release(id)
	return o.store.Restore(id, label)
}

// Compact summarizes the history of a session that is not running a turn.
// With force set the budget is ignored and everything older than the tail
// is folded.
func (o *Orchestrator) Compact(ctx context.Context, sess *session.Session, force bool) (session.CompactResult, error) {
	if !o.acquire(sess.ID) {
		return session.CompactResult{}, fmt.Errorf("%w: %s", ErrSessionBusy, sess.ID)
	}
	defer o.release(sess.ID)

	logger := o.logger.With("session", sess.ID)
	opts := append([]session.ManagerOption{session.WithManagerLogger(logger)}, o.contextOpts...)
	if force {
		opts = append(opts, session.WithBudget(1))
	}
	res, err := session.NewManager(sess, opts...).Compact(ctx)
	events := o.EventLog(sess.ID)
	switch {
	case err != nil:
		o.metrics.compaction("failed")
		events.Log(EventCompaction, map[string]any{"error": err.Error()})
		return res, err
	case res.Compacted:
		o.metrics.compaction("compacted")
		events.Log(EventCompaction, map[string]any{
			"summarized":  res.Summarized,
			"size_before": res.SizeBefore,
			"size_after":  res.SizeAfter,
		})
		o.persist(sess, logger)
	}
	return res, nil
}

// RunTurn appends input to sess and runs the loop until the model answers
// without tool calls, the iteration budget is spent, or the turn fails. The
// session is saved afterwards in every case.
func (o *Orchestrator) RunTurn(ctx context.Context, sess *session.Session, input string) (FinalAnswer, error) {
	if !o.acquire(sess.ID) {
		return FinalAnswer{}, fmt.Errorf("%w: %s", ErrSessionBusy, sess.ID)
	}
	defer o.release(sess.ID)

	ctx, span := tracer.Start(ctx, "agent.RunTurn",
		trace.WithAttributes(attribute.String("session.id", sess.ID)),
	)
	defer span.End()

	logger := o.logger.With("session", sess.ID)
	opts := append([]session.ManagerOption{session.WithManagerLogger(logger)}, o.contextOpts...)
	t := &turn{
		o:      o,
		sess:   sess,
		mgr:    session.NewManager(sess, opts...),
		events: o.EventLog(sess.ID),
		logger: logger,
		grants: permission.NewGrants(sess.Grants...),
		model:  o.Model(),
		prov:   o.currentProvider(),
	}

	ans, err := t.run(ctx, input)
	span.SetAttributes(attribute.Int("turn.iterations", ans.Iterations))
	if err != nil {
		prev := t.state
		t.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.events.Log(EventError, map[string]any{"state": prev.String(), "error": err.Error()})
		o.metrics.turn(StateFailed.String(), ans.Iterations)
	} else {
		o.metrics.turn(StateDone.String(), ans.Iterations)
	}
	o.persist(sess, logger)
	return ans, err
}

func (o *Orchestrator) currentProvider() provider.Provider {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.provider
}

func (o *Orchestrator) persist(sess *session.Session, logger *slog.Logger) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(sess); err != nil {
		logger.Warn("session save failed", "error", err)
	}
}

// turn is the state of one RunTurn call.
type turn struct {
	o      *Orchestrator
	sess   *session.Session
	mgr    *session.Manager
	events *EventLogger
	logger *slog.Logger
	grants *permission.Grants
	model  string
	prov   provider.Provider
	state  State
	usage  session.Usage
}

func (t *turn) setState(s State) {
	if s == t.state {
		return
	}
	t.logger.Debug("state transition", "from", t.state.String(), "to", s.String())
	t.o.metrics.transition(t.state, s)
	t.state = s
}

func (t *turn) append(tn session.Turn) {
	if _, err := t.mgr.Append(tn); err != nil {
		// Unreachable unless call bookkeeping is broken.
		t.logger.Error("turn rejected", "kind", tn.Kind, "error", err)
	}
}

func (t *turn) run(ctx context.Context, input string) (FinalAnswer, error) {
	var ans FinalAnswer
	if _, err := t.mgr.Append(session.UserText(input)); err != nil {
		return ans, err
	}
	t.events.Log(EventUserMessage, map[string]any{"text": input})

	for {
		if err := ctx.Err(); err != nil {
			return t.answer(ans), err
		}
		if ans.Iterations >= t.o.maxIterations {
			return t.answer(ans), fmt.Errorf("%w: %d iterations", ErrLoopBudgetExhausted, t.o.maxIterations)
		}
		ans.Iterations++

		t.compact(ctx)

		t.setState(StateAwaitingModel)
		resp, err := t.callModel(ctx)
		if resp.text != "" {
			t.append(session.AssistantText(resp.text))
			t.events.Log(EventAssistantText, map[string]any{"text": resp.text})
			ans.Text = resp.text
		}
		if err != nil {
			return t.answer(ans), err
		}

		if len(resp.calls) == 0 {
			t.setState(StateDone)
			return t.answer(ans), nil
		}
		for _, call := range resp.calls {
			t.append(session.CallTurn(call))
			t.events.Log(EventToolCall, map[string]any{
				"tool_name": call.Name,
				"call_id":   call.ID,
				"arguments": string(call.Arguments),
			})
		}

		results, err := t.resolve(ctx, resp.calls)
		for _, res := range results {
			t.append(session.ResultTurn(res))
		}
		if err != nil {
			return t.answer(ans), err
		}
	}
}

func (t *turn) answer(ans FinalAnswer) FinalAnswer {
	ans.Usage = t.usage
	return ans
}

func (t *turn) compact(ctx context.Context) {
	res, err := t.mgr.Compact(ctx)
	switch {
	case err != nil:
		t.o.metrics.compaction("failed")
		t.events.Log(EventCompaction, map[string]any{"error": err.Error()})
		t.o.sink.SystemMessage("warning: context compaction failed, continuing with full history")
	case res.Compacted:
		t.o.metrics.compaction("compacted")
		t.events.Log(EventCompaction, map[string]any{
			"summarized":  res.Summarized,
			"size_before": res.SizeBefore,
			"size_after":  res.SizeAfter,
		})
		t.o.sink.SystemMessage(fmt.Sprintf("Context compacted: %d turns summarized (%d -> %d).",
			res.Summarized, res.SizeBefore, res.SizeAfter))
	}
}

// ── Model streaming ─────────────────────────────────────────────────────────

type modelResponse struct {
	text     string
	calls    []tools.ToolCall
	received bool
}

// callModel streams one response. An unavailable backend that produced no
// content is retried once.
func (t *turn) callModel(ctx context.Context) (modelResponse, error) {
	req := &provider.ChatRequest{
		Model:        t.model,
		Messages:     t.mgr.Snapshot().Messages(),
		Tools:        t.o.dispatcher.Registry().Schemas(),
		SystemPrompt: t.o.systemPrompt,
		MaxTokens:    t.o.maxTokens,
	}

	ctx, span := tracer.Start(ctx, "agent.callModel", trace.WithAttributes(
		attribute.String("model", t.model),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	for attempt := 0; ; attempt++ {
		resp, err := t.streamOnce(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.Int("tool_calls", len(resp.calls)))
			return resp, nil
		}
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resp, ctxErr
		}
		if resp.received || !isRetryableError(err) {
			span.SetStatus(codes.Error, err.Error())
			return resp, fmt.Errorf("model backend: %w", err)
		}
		if attempt >= backendRetries {
			span.SetStatus(codes.Error, err.Error())
			return resp, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		delay := retryDelay(t.o.retryBackoff, attempt)
		t.o.metrics.retry()
		t.logger.Warn("model backend unavailable, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		t.o.sink.SystemMessage(formatRetryMessage(attempt, backendRetries, delay, err))
		if err := sleepWithContext(ctx, delay); err != nil {
			return resp, err
		}
		t.setState(StateAwaitingModel)
	}
}

func (t *turn) streamOnce(ctx context.Context, req *provider.ChatRequest) (modelResponse, error) {
	var resp modelResponse
	events, err := t.prov.Chat(ctx, req)
	if err != nil {
		return resp, err
	}

	t.setState(StateParsingResponse)
	t.o.sink.ThinkingStart()

	var text strings.Builder
	asm := newAssembler()
	var streamErr error

loop:
	for {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Type {
			case provider.EventTextDelta:
				resp.received = true
				text.WriteString(ev.TextDelta)
				t.o.sink.TextDelta(ev.TextDelta)
			case provider.EventToolCallDelta:
				resp.received = true
				asm.add(ev.ToolCall)
			case provider.EventToolCallEnd:
				// Fragments are grouped by index; the end marker carries nothing new.
			case provider.EventDone:
				t.recordUsage(ev.Usage)
			case provider.EventError:
				streamErr = ev.Error
				if streamErr == nil {
					streamErr = errors.New("unknown stream error")
				}
				break loop
			}
		}
	}

	resp.text = text.String()
	t.o.sink.TextDone(resp.text)

	if err := ctx.Err(); err != nil {
		// Buffered fragments are dropped; the partial text is kept by the caller.
		go drain(events)
		return resp, err
	}
	if streamErr != nil {
		go drain(events)
		return resp, streamErr
	}
	if !asm.empty() {
		resp.calls = asm.calls(t.callIDs())
	}
	return resp, nil
}

func drain(events <-chan provider.Event) {
	for range events {
	}
}

func (t *turn) callIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, tn := range t.sess.Turns {
		if tn.Kind == session.KindToolCall && tn.Call != nil {
			ids[tn.Call.ID] = true
		}
	}
	return ids
}

func (t *turn) recordUsage(u *provider.Usage) {
	if u == nil {
		return
	}
	add := session.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
		CachedTokens:     u.CachedTokens,
	}
	t.usage.Add(add)
	t.sess.Usage.Add(add)
	t.o.metrics.usage(add.PromptTokens, add.CompletionTokens, add.CachedTokens)
	t.o.sink.SetTokens(t.sess.Usage.TotalTokens)
}

// ── Approval and dispatch ───────────────────────────────────────────────────

// resolve gates every call in request order, dispatches the approved ones and
// returns one result per call in request order.
func (t *turn) resolve(ctx context.Context, calls []tools.ToolCall) ([]tools.ToolResult, error) {
	t.setState(StateAwaitingApproval)

	results := make([]tools.ToolResult, len(calls))
	filled := make([]bool, len(calls))
	var approved []tools.ToolCall
	var approvedIdx []int

	for i, call := range calls {
		if ctx.Err() != nil {
			break
		}
		res, ok := t.approve(ctx, call)
		if ok {
			approved = append(approved, call)
			approvedIdx = append(approvedIdx, i)
			continue
		}
		results[i] = res
		filled[i] = true
	}

	if len(approved) > 0 && ctx.Err() == nil {
		t.setState(StateDispatching)
		for _, call := range approved {
			t.o.sink.ToolStart(call.ID, call.Name, string(call.Arguments))
		}
		out := t.o.dispatcher.DispatchAll(ctx, approved)
		for j, res := range out {
			results[approvedIdx[j]] = res
			filled[approvedIdx[j]] = true
		}
	}

	for i, res := range results {
		if !filled[i] {
			res = tools.Failure(calls[i], tools.KindCancelled, "cancelled before execution")
			results[i] = res
		}
		t.o.sink.ToolDone(res.CallID, res.Name, res.Content(), !res.Success)
		t.o.metrics.toolResult(res.Name, string(res.Kind), res.Elapsed)
		t.events.Log(EventToolResult, map[string]any{
			"tool_name": res.Name,
			"call_id":   res.CallID,
			"success":   res.Success,
			"kind":      string(res.Kind),
			"elapsed":   res.Elapsed.String(),
		})
	}
	return results, ctx.Err()
}

// approve runs the gate for one call and records its approval turn. It
// returns false with a refusal result when the call must not run. Malformed,
// unknown and invalid calls get a result but no approval turn.
func (t *turn) approve(ctx context.Context, call tools.ToolCall) (tools.ToolResult, bool) {
	if call.Malformed != "" {
		return tools.Failure(call, tools.KindMalformed, "malformed tool call: "+call.Malformed), false
	}
	reg := t.o.dispatcher.Registry()
	tool, ok := reg.Get(call.Name)
	if !ok {
		return tools.Failure(call, tools.KindUnknownTool, fmt.Sprintf("%v: %s", tools.ErrUnknownTool, call.Name)), false
	}
	if err := reg.Validate(call.Name, call.Arguments); err != nil {
		return tools.Failure(call, tools.KindValidation, err.Error()), false
	}

	class, target := tool.Classify(call.Arguments)
	var command string
	if c, ok := tool.(tools.Commander); ok {
		command = c.Command(call.Arguments)
	}
	policy := t.sess.Policy
	if policy == "" {
		policy = t.o.policy
	}
	keys := permission.GrantKeys(call.Name, target, command)
	verdict := t.o.gate.Evaluate(ctx, permission.Request{
		Policy:  policy,
		Class:   class,
		Tool:    call.Name,
		Target:  target,
		Command: command,
		Args:    call.Arguments,
		Granted: t.grants.HasAll(keys),
	})

	appr := session.Approval{
		CallID:   call.ID,
		Tool:     call.Name,
		Decision: verdict.Decision.String(),
		Reason:   verdict.Reason,
	}
	var res tools.ToolResult
	run := false

	switch verdict.Decision {
	case permission.Auto:
		appr.Response = session.ResponseAuto
		run = true
	case permission.Block:
		appr.Response = session.ResponseBlocked
		msg := permission.ErrPolicyBlocked.Error()
		if verdict.Reason != "" {
			msg += ": " + verdict.Reason
		}
		res = tools.Failure(call, tools.KindBlocked, msg)
	default:
		resp, err := t.confirm(ctx, ConfirmationRequest{
			SessionID: t.sess.ID,
			CallID:    call.ID,
			Tool:      call.Name,
			Arguments: string(call.Arguments),
			Class:     class,
			Target:    target,
			Command:   command,
			Reason:    verdict.Reason,
		})
		switch {
		case err == nil && resp == Accept:
			appr.Response = session.ResponseAccepted
			run = true
		case err == nil && resp == AcceptAlways:
			appr.Response = session.ResponseAccepted
			appr.Remember = true
			t.grants.Add(keys...)
			t.sess.Grants = t.grants.List()
			run = true
		case ctx.Err() != nil:
			appr.Response = session.ResponseDeclined
			appr.Reason = ctx.Err().Error()
			res = tools.Failure(call, tools.KindCancelled, "cancelled while awaiting confirmation")
		default:
			appr.Response = session.ResponseDeclined
			if err != nil {
				appr.Reason = err.Error()
			}
			res = tools.Failure(call, tools.KindDeclined, "declined by user")
		}
	}

	t.append(session.ApprovalTurn(appr))
	t.o.metrics.approval(appr.Decision, string(appr.Response))
	t.events.Log(EventApproval, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"decision":  appr.Decision,
		"response":  string(appr.Response),
		"reason":    appr.Reason,
	})
	return res, run
}

func (t *turn) confirm(ctx context.Context, req ConfirmationRequest) (Response, error) {
	if t.o.confirmer == nil {
		return Decline, errors.New("no confirmer available")
	}
	return t.o.confirmer.Confirm(ctx, req)
}
