package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexion-ai/agentloop/internal/permission"
)

// fakeTool is a configurable Tool for dispatcher tests.
type fakeTool struct {
	name     string
	class    permission.Class
	required []string
	exec     func(ctx context.Context, args json.RawMessage) (Output, error)
	calls    atomic.Int32
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake " + f.name }
func (f *fakeTool) Required() []string  { return f.required }

func (f *fakeTool) Parameters() map[string]any {
	return map[string]any{
		"target": map[string]any{"type": "string"},
		"n":      map[string]any{"type": "integer"},
	}
}

func (f *fakeTool) Classify(args json.RawMessage) (permission.Class, string) {
	var p struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(args, &p)
	return f.class, p.Target
}

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (Output, error) {
	f.calls.Add(1)
	if f.exec == nil {
		return Output{Content: "ok"}, nil
	}
	return f.exec(ctx, args)
}

func newTestDispatcher(t *testing.T, tools []Tool, opts ...Option) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterAll(r, tools...))
	r.Freeze()
	return NewDispatcher(r, opts...)
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestRegistry_DuplicateAndFrozen(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "a"}))

	err := r.Register(&fakeTool{name: "a"})
	require.ErrorIs(t, err, ErrDuplicateTool)

	r.Freeze()
	err = r.Register(&fakeTool{name: "b"})
	require.ErrorIs(t, err, ErrRegistryFrozen)

	_, ok := r.Get("b")
	assert.False(t, ok)
}

func TestRegistry_Schemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "zeta", required: []string{"target"}}))
	require.NoError(t, r.Register(&fakeTool{name: "alpha"}))

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, []string{"target"}, schemas[1].Required)
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "a", required: []string{"target"}}))

	assert.NoError(t, r.Validate("a", json.RawMessage(`{"target":"x","n":3}`)))
	assert.ErrorIs(t, r.Validate("a", json.RawMessage(`{"n":3}`)), ErrSchemaValidation)
	assert.ErrorIs(t, r.Validate("a", json.RawMessage(`{"target":5}`)), ErrSchemaValidation)
	assert.ErrorIs(t, r.Validate("a", json.RawMessage(`{"target":"x","n":1.5}`)), ErrSchemaValidation)
	assert.ErrorIs(t, r.Validate("a", json.RawMessage(`[1]`)), ErrSchemaValidation)
	assert.ErrorIs(t, r.Validate("missing", nil), ErrUnknownTool)
}

func TestDispatch_Success(t *testing.T) {
	d := newTestDispatcher(t, []Tool{&fakeTool{name: "a"}})

	res := d.Dispatch(context.Background(), call("c1", "a", `{}`))
	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "a", res.Name)
	assert.Empty(t, res.Kind)
}

func TestDispatch_ErrorKinds(t *testing.T) {
	validating := &fakeTool{name: "v", required: []string{"target"}}
	failing := &fakeTool{name: "f", exec: func(context.Context, json.RawMessage) (Output, error) {
		return Output{}, fmt.Errorf("disk on fire")
	}}
	panicking := &fakeTool{name: "p", exec: func(context.Context, json.RawMessage) (Output, error) {
		panic("boom")
	}}
	reporting := &fakeTool{name: "r", exec: func(context.Context, json.RawMessage) (Output, error) {
		return Output{Content: "exit 1", IsError: true}, nil
	}}
	d := newTestDispatcher(t, []Tool{validating, failing, panicking, reporting})
	ctx := context.Background()

	tests := []struct {
		name     string
		call     ToolCall
		kind     ErrorKind
		contains string
	}{
		{"unknown", call("1", "nope", `{}`), KindUnknownTool, "unknown tool"},
		{"validation", call("2", "v", `{}`), KindValidation, "schema"},
		{"malformed", ToolCall{ID: "3", Name: "v", Malformed: "unexpected end of JSON input"}, KindMalformed, "malformed"},
		{"fault", call("4", "f", `{}`), KindFault, "disk on fire"},
		{"panic", call("5", "p", `{}`), KindFault, "panic: boom"},
		{"reported", call("6", "r", `{}`), KindFault, "reported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(ctx, tt.call)
			assert.False(t, res.Success)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Contains(t, res.Error, tt.contains)
		})
	}

	assert.Equal(t, int32(0), validating.calls.Load(), "invalid calls must not execute")
	assert.Equal(t, "exit 1", d.Dispatch(ctx, call("7", "r", `{}`)).Output)
}

func TestDispatch_TimeoutWithStubbornExecutor(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := &fakeTool{name: "s", exec: func(context.Context, json.RawMessage) (Output, error) {
		<-release // ignores ctx
		return Output{Content: "late"}, nil
	}}
	d := newTestDispatcher(t, []Tool{stubborn}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := d.Dispatch(context.Background(), call("1", "s", `{}`))
	elapsed := time.Since(start)

	assert.Equal(t, KindTimeout, res.Kind)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, elapsed, time.Second)
}

func TestDispatch_Cancelled(t *testing.T) {
	slow := &fakeTool{name: "s", exec: func(ctx context.Context, _ json.RawMessage) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}}
	d := newTestDispatcher(t, []Tool{slow})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res := d.Dispatch(ctx, call("1", "s", `{}`))
	assert.Equal(t, KindCancelled, res.Kind)

	res = d.Dispatch(ctx, call("2", "s", `{}`))
	assert.Equal(t, KindCancelled, res.Kind)
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestDispatch_OutputTruncated(t *testing.T) {
	big := &fakeTool{name: "b", exec: func(context.Context, json.RawMessage) (Output, error) {
		return Output{Content: strings.Repeat("x", 5000)}, nil
	}}
	d := newTestDispatcher(t, []Tool{big}, WithOutputLimit(1000))

	res := d.Dispatch(context.Background(), call("1", "b", `{}`))
	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.Less(t, len(res.Output), 1100)
}

// interval records the execution window of one call.
type interval struct{ start, end time.Time }

func TestDispatchAll_SameTargetNeverOverlaps(t *testing.T) {
	var mu sync.Mutex
	windows := map[string][]interval{}
	order := map[string][]string{}

	writer := &fakeTool{name: "w", class: permission.ClassMutating, exec: func(_ context.Context, args json.RawMessage) (Output, error) {
		var p struct {
			Target string `json:"target"`
			N      int    `json:"n"`
		}
		_ = json.Unmarshal(args, &p)
		start := time.Now()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		windows[p.Target] = append(windows[p.Target], interval{start, time.Now()})
		order[p.Target] = append(order[p.Target], fmt.Sprint(p.N))
		mu.Unlock()
		return Output{Content: fmt.Sprint(p.N)}, nil
	}}
	d := newTestDispatcher(t, []Tool{writer}, WithWorkers(8))

	var calls []ToolCall
	for i := 0; i < 6; i++ {
		target := "/a"
		if i%2 == 1 {
			target = "/b"
		}
		calls = append(calls, call(fmt.Sprint(i), "w", fmt.Sprintf(`{"target":%q,"n":%d}`, target, i)))
	}

	results := d.DispatchAll(context.Background(), calls)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, fmt.Sprint(i), r.CallID, "results in input order")
		assert.Equal(t, fmt.Sprint(i), r.Output)
	}

	for target, ws := range windows {
		for i := 1; i < len(ws); i++ {
			assert.False(t, ws[i].start.Before(ws[i-1].end), "overlap on %s", target)
		}
	}
	assert.Equal(t, []string{"0", "2", "4"}, order["/a"])
	assert.Equal(t, []string{"1", "3", "5"}, order["/b"])
}

func TestDispatchAll_BoundedPool(t *testing.T) {
	var running, peak atomic.Int32
	reader := &fakeTool{name: "r", class: permission.ClassReadOnly, exec: func(context.Context, json.RawMessage) (Output, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return Output{Content: "ok"}, nil
	}}
	d := newTestDispatcher(t, []Tool{reader}, WithWorkers(2))

	calls := make([]ToolCall, 8)
	for i := range calls {
		calls[i] = call(fmt.Sprint(i), "r", `{}`)
	}
	results := d.DispatchAll(context.Background(), calls)

	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestKeyedLocks_AcquireHonorsContext(t *testing.T) {
	k := newKeyedLocks()
	release, err := k.Acquire(context.Background(), "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := k.Acquire(context.Background(), "x")
	require.NoError(t, err)
	release2()
	assert.Empty(t, k.locks)
}
