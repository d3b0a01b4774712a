package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexion-ai/agentloop/internal/permission"
)

// Usage accumulates token counts reported by the model backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.CachedTokens += o.CachedTokens
}

// Session holds the conversation state for one agent session.
type Session struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Policy    permission.Policy `json:"policy"`
	Summary   *Turn             `json:"summary,omitempty"`
	Turns     []Turn            `json:"turns"`
	Usage     Usage             `json:"usage"`
	// Grants are permission.GrantKeys values the user answered "always allow" for.
	Grants []string `json:"grants,omitempty"`
}

// New creates an empty session with a fresh id.
func New(policy permission.Policy, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Policy:    policy,
	}
}

// Info is a lightweight summary of a saved session for listings.
type Info struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Policy    permission.Policy
	Turns     int
	Tokens    int
}

// Info returns the listing summary of s.
func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Policy:    s.Policy,
		Turns:     len(s.Turns),
		Tokens:    s.Usage.TotalTokens,
	}
}

// LastOrdinal returns the ordinal of the newest turn, or the summary's if no
// turns are retained, or 0 for an empty session.
func (s *Session) LastOrdinal() int64 {
	if n := len(s.Turns); n > 0 {
		return s.Turns[n-1].Ordinal
	}
	if s.Summary != nil {
		return s.Summary.Ordinal
	}
	return 0
}

// Validate checks structural invariants. Failures wrap ErrCorruptState.
func (s *Session) Validate() error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("%w: session %s: %v", ErrCorruptState, s.ID, err)
	}
	return nil
}

func (s *Session) validate() error {
	if s.ID == "" {
		return errors.New("missing id")
	}
	if s.Policy != "" && !s.Policy.Valid() {
		return fmt.Errorf("unknown policy %q", s.Policy)
	}

	next := int64(1)
	if s.Summary != nil {
		if s.Summary.Kind != KindSummary || s.Summary.Role != RoleUser {
			return fmt.Errorf("summary has kind %q role %q", s.Summary.Kind, s.Summary.Role)
		}
		if s.Summary.From < 1 || s.Summary.From > s.Summary.Ordinal {
			return fmt.Errorf("summary covers invalid range %d..%d", s.Summary.From, s.Summary.Ordinal)
		}
		next = s.Summary.Ordinal + 1
	}

	h := newHistoryIndex()
	for i, t := range s.Turns {
		if t.Ordinal != next {
			return fmt.Errorf("turn %d has ordinal %d, want %d", i, t.Ordinal, next)
		}
		if err := h.check(t); err != nil {
			return fmt.Errorf("turn %d: %v", t.Ordinal, err)
		}
		h.add(t)
		next++
	}
	return nil
}

// historyIndex tracks call linkage while walking or appending turns.
type historyIndex struct {
	calls     map[string]bool
	approvals map[string]bool
	results   map[string]bool
}

func newHistoryIndex() *historyIndex {
	return &historyIndex{
		calls:     make(map[string]bool),
		approvals: make(map[string]bool),
		results:   make(map[string]bool),
	}
}

func (h *historyIndex) check(t Turn) error {
	if role, fixed := expectedRole(t.Kind); fixed && t.Role != role {
		return fmt.Errorf("%s turn has role %q, want %q", t.Kind, t.Role, role)
	}

	switch t.Kind {
	case KindText:
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return fmt.Errorf("text turn has role %q", t.Role)
		}
	case KindToolCall:
		if t.Call == nil || t.Call.ID == "" || t.Call.Name == "" {
			return errors.New("tool_call turn without call id and name")
		}
		if h.calls[t.Call.ID] {
			return fmt.Errorf("duplicate call id %q", t.Call.ID)
		}
	case KindToolResult:
		if t.Result == nil {
			return errors.New("tool_result turn without result")
		}
		id := t.Result.CallID
		if !h.calls[id] {
			return fmt.Errorf("result for unknown call %q", id)
		}
		if h.results[id] {
			return fmt.Errorf("second result for call %q", id)
		}
	case KindApproval:
		if t.Approval == nil {
			return errors.New("approval turn without approval")
		}
		id := t.Approval.CallID
		if !h.calls[id] {
			return fmt.Errorf("approval for unknown call %q", id)
		}
		if h.approvals[id] {
			return fmt.Errorf("second approval for call %q", id)
		}
		if h.results[id] {
			return fmt.Errorf("approval after result for call %q", id)
		}
	case KindSummary:
		return errors.New("summary turn inside history")
	default:
		return fmt.Errorf("unknown kind %q", t.Kind)
	}
	return nil
}

func (h *historyIndex) add(t Turn) {
	switch t.Kind {
	case KindToolCall:
		h.calls[t.Call.ID] = true
	case KindToolResult:
		h.results[t.Result.CallID] = true
	case KindApproval:
		h.approvals[t.Approval.CallID] = true
	}
}
