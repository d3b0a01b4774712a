package agent

import "errors"

var (
	// ErrSessionBusy is returned when a session is already running a turn.
	ErrSessionBusy = errors.New("session is busy")
	// ErrLoopBudgetExhausted is returned when a turn hits MaxIterations.
	ErrLoopBudgetExhausted = errors.New("loop iteration budget exhausted")
	// ErrBackendUnavailable is returned when the model backend failed twice.
	ErrBackendUnavailable = errors.New("model backend unavailable")
)

// State is a step of the turn state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateParsingResponse
	StateAwaitingApproval
	StateDispatching
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateParsingResponse:
		return "parsing_response"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateDispatching:
		return "dispatching"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
