package agent

import (
	"context"

	"github.com/apexion-ai/agentloop/internal/permission"
)

// Sink receives the user-visible events of a turn. Implementations must be
// safe for use from the orchestrator goroutine only; calls are never concurrent.
type Sink interface {
	// ThinkingStart signals that a model response has started streaming.
	ThinkingStart()
	TextDelta(delta string)
	// TextDone carries the full text of the response, possibly empty.
	TextDone(fullText string)
	ToolStart(id, name, params string)
	ToolDone(id, name, result string, isErr bool)
	SystemMessage(text string)
	Error(msg string)
	SetTokens(n int)
}

type nopSink struct{}

func (nopSink) ThinkingStart()                  {}
func (nopSink) TextDelta(string)                {}
func (nopSink) TextDone(string)                 {}
func (nopSink) ToolStart(_, _, _ string)        {}
func (nopSink) ToolDone(_, _, _ string, _ bool) {}
func (nopSink) SystemMessage(string)            {}
func (nopSink) Error(string)                    {}
func (nopSink) SetTokens(int)                   {}

// Response is the user's answer to a confirmation request.
type Response int

const (
	Decline Response = iota
	Accept
	// AcceptAlways accepts and remembers the grant for the rest of the session.
	AcceptAlways
)

func (r Response) String() string {
	switch r {
	case Accept:
		return "accept"
	case AcceptAlways:
		return "accept-always"
	}
	return "decline"
}

// ConfirmationRequest describes a call waiting for the user.
type ConfirmationRequest struct {
	SessionID string
	CallID    string
	Tool      string
	Arguments string
	Class     permission.Class
	Target    string
	Command   string
	Reason    string
}

// Confirmer asks the user about calls the gate could not decide alone.
// Requests are issued one at a time in request order. An error counts as a
// decline.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (Response, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, req ConfirmationRequest) (Response, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, req ConfirmationRequest) (Response, error) {
	return f(ctx, req)
}
