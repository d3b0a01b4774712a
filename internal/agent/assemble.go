package agent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/apexion-ai/agentloop/internal/provider"
	"github.com/apexion-ai/agentloop/internal/tools"
)

// partialCall buffers the fragments of one streamed tool call.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// assembler groups tool-call fragments by stream index.
type assembler struct {
	parts map[int]*partialCall
}

func newAssembler() *assembler {
	return &assembler{parts: make(map[int]*partialCall)}
}

func (a *assembler) add(d *provider.ToolCallDelta) {
	if d == nil {
		return
	}
	p, ok := a.parts[d.Index]
	if !ok {
		p = &partialCall{}
		a.parts[d.Index] = p
	}
	if d.ID != "" && p.id == "" {
		p.id = d.ID
	}
	if d.Name != "" && p.name == "" {
		p.name = d.Name
	}
	p.args.WriteString(d.ArgumentsDelta)
}

func (a *assembler) empty() bool { return len(a.parts) == 0 }

// calls finalizes the buffered calls in stream-index order. Missing or
// repeated ids (within the response or in taken) are replaced with
// synthesized ones. Arguments that are not a JSON object mark the call
// malformed and are kept as {"raw_arguments": ...}.
func (a *assembler) calls(taken map[string]bool) []tools.ToolCall {
	idx := make([]int, 0, len(a.parts))
	for i := range a.parts {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	seen := make(map[string]bool, len(idx))
	out := make([]tools.ToolCall, 0, len(idx))
	for _, i := range idx {
		p := a.parts[i]
		id := p.id
		if id == "" || seen[id] || taken[id] {
			id = newCallID()
		}
		seen[id] = true

		call := tools.ToolCall{ID: id, Name: p.name}
		raw := strings.TrimSpace(p.args.String())
		if raw == "" {
			raw = "{}"
		}
		switch {
		case p.name == "":
			call.Malformed = "missing tool name"
			call.Arguments = rawArguments(raw)
		case !isJSONObject(raw):
			call.Malformed = "arguments are not a JSON object"
			call.Arguments = rawArguments(raw)
		default:
			call.Arguments = json.RawMessage(raw)
		}
		out = append(out, call)
	}
	return out
}

func isJSONObject(s string) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &m) == nil && m != nil
}

func rawArguments(raw string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"raw_arguments": raw})
	return b
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
