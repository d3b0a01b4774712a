package session

import (
	"errors"
	"time"

	"github.com/apexion-ai/agentloop/internal/tools"
)

// ErrInvalidTurn is returned by Manager.Append for turns that would break
// history invariants.
var ErrInvalidTurn = errors.New("invalid turn")

// Role is who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Kind is what a turn carries.
type Kind string

const (
	KindText       Kind = "text"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindApproval   Kind = "approval"
	KindSummary    Kind = "summary"
)

// Response is how an approval was resolved.
type Response string

const (
	ResponseAuto     Response = "auto"
	ResponseAccepted Response = "accepted"
	ResponseDeclined Response = "declined"
	ResponseBlocked  Response = "blocked"
)

// Approval records the gate decision and user response for one call.
type Approval struct {
	CallID   string   `json:"call_id"`
	Tool     string   `json:"tool"`
	Decision string   `json:"decision"`
	Response Response `json:"response"`
	Remember bool     `json:"remember,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Turn is one immutable entry of the conversation history.
type Turn struct {
	Ordinal int64 `json:"ordinal"`
	// From is the first ordinal a summary turn covers. A summary's Ordinal is
	// the last ordinal it covers.
	From     int64             `json:"from,omitempty"`
	Role     Role              `json:"role"`
	Kind     Kind              `json:"kind"`
	Text     string            `json:"text,omitempty"`
	Call     *tools.ToolCall   `json:"call,omitempty"`
	Result   *tools.ToolResult `json:"result,omitempty"`
	Approval *Approval         `json:"approval,omitempty"`
	Time     time.Time         `json:"time"`
}

// UserText builds a user text turn.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Kind: KindText, Text: text}
}

// AssistantText builds an assistant text turn.
func AssistantText(text string) Turn {
	return Turn{Role: RoleAssistant, Kind: KindText, Text: text}
}

// CallTurn builds a tool_call turn.
func CallTurn(call tools.ToolCall) Turn {
	return Turn{Role: RoleAssistant, Kind: KindToolCall, Call: &call}
}

// ResultTurn builds a tool_result turn.
func ResultTurn(res tools.ToolResult) Turn {
	return Turn{Role: RoleTool, Kind: KindToolResult, Result: &res}
}

// ApprovalTurn builds an approval turn.
func ApprovalTurn(a Approval) Turn {
	return Turn{Role: RoleTool, Kind: KindApproval, Approval: &a}
}

// callID returns the tool call id a turn refers to, or "".
func (t Turn) callID() string {
	switch {
	case t.Kind == KindToolCall && t.Call != nil:
		return t.Call.ID
	case t.Kind == KindToolResult && t.Result != nil:
		return t.Result.CallID
	case t.Kind == KindApproval && t.Approval != nil:
		return t.Approval.CallID
	}
	return ""
}

// expectedRole is the role each kind must carry; text turns may be user or assistant.
func expectedRole(k Kind) (Role, bool) {
	switch k {
	case KindToolCall:
		return RoleAssistant, true
	case KindToolResult, KindApproval:
		return RoleTool, true
	case KindSummary:
		return RoleUser, true
	}
	return "", false
}
