// Package tools defines the tool interface, the registry of tools available to
// the model, and the dispatcher that validates and runs tool calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/apexion-ai/agentloop/internal/permission"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrSchemaValidation = errors.New("arguments do not match tool schema")
	ErrExecutionTimeout = errors.New("tool execution timed out")
	ErrExecutionFault   = errors.New("tool execution failed")
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrRegistryFrozen   = errors.New("tool registry is frozen")
)

// Tool is implemented by everything the model can call.
type Tool interface {
	// Name is the unique snake_case name the model uses, e.g. "read_file".
	Name() string

	Description() string

	// Parameters returns the JSON Schema "properties" of the arguments object.
	Parameters() map[string]any

	// Required lists the property names that must be present.
	Required() []string

	// Classify reports the approval class of a call with these arguments and
	// the target it acts on (a cleaned absolute path where one exists). It must
	// not fail; unparsable arguments classify as mutating.
	Classify(args json.RawMessage) (permission.Class, string)

	// Execute runs the call. ctx carries the per-call timeout.
	Execute(ctx context.Context, args json.RawMessage) (Output, error)
}

// Output is what an executor returns.
type Output struct {
	Content   string
	IsError   bool // the tool ran but reports failure; Content explains why
	Truncated bool
}

// ToolCall is one call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	// Malformed holds the parse error when the streamed arguments did not
	// assemble into a JSON object. Malformed calls are never dispatched.
	Malformed string `json:"malformed,omitempty"`
}

// ErrorKind classifies failed results.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindMalformed   ErrorKind = "malformed"
	KindUnknownTool ErrorKind = "unknown_tool"
	KindBlocked     ErrorKind = "blocked"
	KindDeclined    ErrorKind = "declined"
	KindTimeout     ErrorKind = "timeout"
	KindFault       ErrorKind = "fault"
	KindCancelled   ErrorKind = "cancelled"
)

// ToolResult is the structured outcome of one call, as recorded in history.
type ToolResult struct {
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Kind      ErrorKind     `json:"kind,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Failure builds a failed result for call.
func Failure(call ToolCall, kind ErrorKind, msg string) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, Kind: kind, Error: msg}
}

// Content renders the result as the text the model sees.
func (r ToolResult) Content() string {
	if r.Success {
		return r.Output
	}
	msg := "error: " + r.Error
	if r.Output != "" {
		msg += "\n" + r.Output
	}
	return msg
}
