// Package provider defines the unified interface and shared types for all model backends.
// Each adapter (openai.go, anthropic.go) implements Provider and normalizes the vendor's
// streaming response into a unified Event sequence. Tool calls are not assembled here:
// adapters forward raw argument fragments and the consumer buffers them.
package provider

import (
	"context"
	"encoding/json"
)

// ── Message types ────────────────────────────────────────────────────────────

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// Content is a single content block within a message.
type Content struct {
	Type       ContentType
	Text       string
	ToolUseID  string          // tool_use / tool_result
	ToolName   string          // tool_use
	ToolInput  json.RawMessage // tool_use
	ToolResult string          // tool_result
	IsError    bool            // tool_result
}

// Message is a single message in the prompt sent to a backend.
type Message struct {
	Role    Role
	Content []Content
}

// ── Tool Schema ───────────────────────────────────────────────────────────────

// ToolSchema describes a tool sent to the model (JSON Schema format).
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema properties
	Required    []string
}

// ── Request types ────────────────────────────────────────────────────────────

// ChatRequest is the unified request format sent to a provider.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolSchema
	SystemPrompt string
	MaxTokens    int
}

// ── Event types (streaming output) ───────────────────────────────────────────

type EventType int

const (
	// EventTextDelta: incremental text output from the model.
	EventTextDelta EventType = iota

	// EventToolCallDelta: one fragment of a tool call. ID and Name usually arrive
	// only on the first fragment for an index; arguments arrive in pieces.
	EventToolCallDelta

	// EventToolCallEnd: the backend signalled that the call at Index is complete.
	// Not every backend emits it; EventDone closes all open calls.
	EventToolCallEnd

	// EventDone: end of this response, includes token usage.
	EventDone

	// EventError: an error occurred. The channel closes after it.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventToolCallEnd:
		return "tool_call_end"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is the unified streaming event emitted by a provider.
type Event struct {
	Type EventType

	// EventTextDelta
	TextDelta string

	// EventToolCallDelta / EventToolCallEnd
	ToolCall *ToolCallDelta

	// EventDone
	Usage *Usage

	// EventError
	Error error
}

// ToolCallDelta is a raw tool-call fragment. Index groups fragments that belong
// to the same call within one response.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// Usage records token consumption for an API call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// ── Provider interface ───────────────────────────────────────────────────────

// Provider is the unified interface for all model backends.
// Implementors are responsible for:
// 1. Converting the unified ChatRequest into the provider's API request format
// 2. Converting the provider's streaming response into a unified Event sequence
// 3. Stopping the stream promptly when ctx is cancelled
type Provider interface {
	// Chat initiates a streaming conversation.
	// The returned channel emits Events until EventDone or EventError, then closes.
	// The caller must fully consume the channel to avoid goroutine leaks.
	Chat(ctx context.Context, req *ChatRequest) (<-chan Event, error)

	// Name returns the provider identifier, e.g. "anthropic", "openai", "deepseek".
	Name() string

	// DefaultModel returns the default model.
	DefaultModel() string

	// ContextWindow returns the context window size for the current model, in tokens.
	ContextWindow() int
}

// inputSchema builds the full object schema sent to a backend.
func inputSchema(t ToolSchema) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": t.Parameters,
	}
	if len(t.Required) > 0 {
		schema["required"] = t.Required
	}
	return schema
}
