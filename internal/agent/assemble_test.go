package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexion-ai/agentloop/internal/provider"
)

func feed(a *assembler, deltas ...provider.ToolCallDelta) {
	for i := range deltas {
		a.add(&deltas[i])
	}
}

func TestAssembler_OrdersByIndex(t *testing.T) {
	a := newAssembler()
	feed(a,
		provider.ToolCallDelta{Index: 1, ID: "b", Name: "grep", ArgumentsDelta: `{"pattern":`},
		provider.ToolCallDelta{Index: 0, ID: "a", Name: "read_file", ArgumentsDelta: `{"path":"x"}`},
		provider.ToolCallDelta{Index: 1, ArgumentsDelta: `"foo"}`},
	)
	calls := a.calls(nil)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].ID)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "b", calls[1].ID)
	assert.JSONEq(t, `{"pattern":"foo"}`, string(calls[1].Arguments))
	assert.Empty(t, calls[1].Malformed)
}

func TestAssembler_EmptyArgumentsBecomeObject(t *testing.T) {
	a := newAssembler()
	feed(a, provider.ToolCallDelta{Index: 0, ID: "a", Name: "list_dir"})
	calls := a.calls(nil)
	require.Len(t, calls, 1)
	assert.Equal(t, "{}", string(calls[0].Arguments))
}

func TestAssembler_SynthesizesIDs(t *testing.T) {
	a := newAssembler()
	feed(a,
		provider.ToolCallDelta{Index: 0, Name: "a", ArgumentsDelta: `{}`},
		provider.ToolCallDelta{Index: 1, ID: "dup", Name: "b", ArgumentsDelta: `{}`},
		provider.ToolCallDelta{Index: 2, ID: "dup", Name: "c", ArgumentsDelta: `{}`},
		provider.ToolCallDelta{Index: 3, ID: "old", Name: "d", ArgumentsDelta: `{}`},
	)
	calls := a.calls(map[string]bool{"old": true})
	require.Len(t, calls, 4)

	seen := map[string]bool{}
	for _, c := range calls {
		assert.NotEmpty(t, c.ID)
		assert.False(t, seen[c.ID], "duplicate id %s", c.ID)
		seen[c.ID] = true
	}
	assert.True(t, strings.HasPrefix(calls[0].ID, "call_"))
	assert.Equal(t, "dup", calls[1].ID)
	assert.NotEqual(t, "old", calls[3].ID)
}

func TestAssembler_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		delta provider.ToolCallDelta
		want  string
		raw   string
	}{
		{"truncated", provider.ToolCallDelta{Name: "x", ArgumentsDelta: `{"path":`}, "arguments are not a JSON object", `{"path":`},
		{"array", provider.ToolCallDelta{Name: "x", ArgumentsDelta: `[1,2]`}, "arguments are not a JSON object", `[1,2]`},
		{"null", provider.ToolCallDelta{Name: "x", ArgumentsDelta: `null`}, "arguments are not a JSON object", `null`},
		{"no name", provider.ToolCallDelta{ArgumentsDelta: `{}`}, "missing tool name", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAssembler()
			feed(a, tt.delta)
			calls := a.calls(nil)
			require.Len(t, calls, 1)
			assert.Equal(t, tt.want, calls[0].Malformed)
			assert.Equal(t, string(rawArguments(tt.raw)), string(calls[0].Arguments))
		})
	}
}

func TestAssembler_NilDelta(t *testing.T) {
	a := newAssembler()
	a.add(nil)
	assert.True(t, a.empty())
}
