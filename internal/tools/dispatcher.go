package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("agentloop.tools")

const (
	DefaultTimeout     = 300 * time.Second
	DefaultWorkers     = 4
	DefaultOutputLimit = 32 * 1024
)

// Dispatcher validates and runs tool calls with a per-call timeout.
// Mutating calls that share a target never overlap.
type Dispatcher struct {
	registry    *Registry
	timeout     time.Duration
	workers     int64
	outputLimit int
	logger      *slog.Logger
	locks       *keyedLocks
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-call timeout, including time spent waiting for a target lock.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithWorkers bounds how many calls DispatchAll runs at once.
func WithWorkers(n int) Option {
	return func(x *Dispatcher) {
		if n > 0 {
			x.workers = int64(n)
		}
	}
}

// WithOutputLimit sets the byte limit above which output is truncated head/tail.
func WithOutputLimit(n int) Option {
	return func(x *Dispatcher) {
		if n > 0 {
			x.outputLimit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		timeout:     DefaultTimeout,
		workers:     DefaultWorkers,
		outputLimit: DefaultOutputLimit,
		logger:      slog.Default(),
		locks:       newKeyedLocks(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Registry returns the underlying tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs one call. It never returns an error: every failure is encoded
// in the result, and it returns within the timeout even if the executor
// ignores its context.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) ToolResult {
	ctx, span := tracer.Start(ctx, "tools.Dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		),
	)
	defer span.End()

	start := time.Now()
	res := d.dispatch(ctx, call)
	res.CallID, res.Name = call.ID, call.Name
	res.Elapsed = time.Since(start)

	span.SetAttributes(attribute.Bool("tool.success", res.Success))
	if !res.Success {
		span.SetAttributes(attribute.String("tool.error_kind", string(res.Kind)))
		span.SetStatus(codes.Error, res.Error)
	}
	d.logger.Debug("tool dispatched",
		"tool", call.Name,
		"call_id", call.ID,
		"success", res.Success,
		"kind", res.Kind,
		"elapsed", res.Elapsed,
		"truncated", res.Truncated,
	)
	return res
}

type outcome struct {
	out Output
	err error
}

func (d *Dispatcher) dispatch(parent context.Context, call ToolCall) ToolResult {
	if call.Malformed != "" {
		return Failure(call, KindMalformed, "malformed arguments: "+call.Malformed)
	}
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return Failure(call, KindUnknownTool, fmt.Sprintf("%v: %s", ErrUnknownTool, call.Name))
	}
	if err := d.registry.Validate(call.Name, call.Arguments); err != nil {
		return Failure(call, KindValidation, err.Error())
	}
	if parent.Err() != nil {
		return Failure(call, KindCancelled, "cancelled before execution")
	}

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	var release func()
	if key := d.lockKey(tool, call); key != "" {
		var err error
		if release, err = d.locks.Acquire(ctx, key); err != nil {
			return d.interrupted(parent, call)
		}
	}

	done := make(chan outcome, 1)
	go func() {
		// The target lock is held until the executor really returns, even
		// when the dispatcher has already given up on it.
		if release != nil {
			defer release()
		}
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrExecutionFault, r)}
			}
		}()
		out, err := tool.Execute(ctx, call.Arguments)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return d.finish(ctx, parent, call, o)
	case <-ctx.Done():
		return d.interrupted(parent, call)
	}
}

func (d *Dispatcher) finish(ctx, parent context.Context, call ToolCall, o outcome) ToolResult {
	if o.err != nil {
		if ctx.Err() != nil {
			return d.interrupted(parent, call)
		}
		msg := o.err.Error()
		if !errors.Is(o.err, ErrExecutionFault) {
			msg = fmt.Sprintf("%v: %v", ErrExecutionFault, o.err)
		}
		return Failure(call, KindFault, msg)
	}

	content, truncated := o.out.Content, o.out.Truncated
	if d.outputLimit > 0 && len(content) > d.outputLimit {
		content = truncateHeadTail(content, d.outputLimit)
		truncated = true
	}
	if o.out.IsError {
		r := Failure(call, KindFault, "tool reported an error")
		r.Output, r.Truncated = content, truncated
		return r
	}
	return ToolResult{Success: true, Output: content, Truncated: truncated}
}

func (d *Dispatcher) interrupted(parent context.Context, call ToolCall) ToolResult {
	if parent.Err() != nil {
		return Failure(call, KindCancelled, "cancelled: "+parent.Err().Error())
	}
	return Failure(call, KindTimeout, fmt.Sprintf("%v after %s", ErrExecutionTimeout, d.timeout))
}

// lockKey returns the serialization key of a mutating call, or "".
func (d *Dispatcher) lockKey(tool Tool, call ToolCall) string {
	class, target := tool.Classify(call.Arguments)
	if !class.Mutating() || target == "" {
		return ""
	}
	return target
}

// DispatchAll runs calls on a bounded pool and returns results in input order.
// Calls sharing a lock key run one after another in request order.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	sem := semaphore.NewWeighted(d.workers)
	var wg sync.WaitGroup

	for _, chain := range d.chains(calls) {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, i := range chain {
				results[i] = Failure(calls[i], KindCancelled, "cancelled before execution")
			}
			continue
		}
		wg.Add(1)
		go func(chain []int) {
			defer wg.Done()
			defer sem.Release(1)
			for _, i := range chain {
				results[i] = d.Dispatch(ctx, calls[i])
			}
		}(chain)
	}
	wg.Wait()
	return results
}

// chains groups call indexes so that calls with the same lock key share a chain.
func (d *Dispatcher) chains(calls []ToolCall) [][]int {
	var out [][]int
	byKey := make(map[string]int)
	for i, call := range calls {
		key := ""
		if call.Malformed == "" {
			if tool, ok := d.registry.Get(call.Name); ok {
				key = d.lockKey(tool, call)
			}
		}
		if key == "" {
			out = append(out, []int{i})
			continue
		}
		if j, ok := byKey[key]; ok {
			out[j] = append(out[j], i)
			continue
		}
		byKey[key] = len(out)
		out = append(out, []int{i})
	}
	return out
}

// truncateHeadTail keeps the head (60%) and tail (40%) of a string,
// omitting the middle. Tail content (errors, final results) is often more important.
func truncateHeadTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	head := maxLen * 3 / 5
	tail := maxLen * 2 / 5
	omitted := len(s) - head - tail
	return s[:head] + fmt.Sprintf("\n\n[...%d chars omitted...]\n\n", omitted) + s[len(s)-tail:]
}
