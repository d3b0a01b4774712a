package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apexion-ai/agentloop/internal/provider"
)

const (
	DefaultBudget = 100000
	DefaultTail   = 10
)

// summaryPrefix introduces the summary in the prompt.
const summaryPrefix = "[Previous conversation summary]\n\n"

// Sizer measures a turn against the context budget. Implementations must be
// deterministic, and a turn's size never depends on other turns.
type Sizer interface {
	Size(t Turn) int
}

// CharSizer counts rendered characters.
type CharSizer struct{}

func (CharSizer) Size(t Turn) int { return len(renderText(t)) }

// TokenSizer estimates tokens as rendered characters / 4, rounded up.
type TokenSizer struct{}

func (TokenSizer) Size(t Turn) int {
	return (len(renderText(t)) + charsPerToken - 1) / charsPerToken
}

// renderText is the text a turn contributes to the prompt.
func renderText(t Turn) string {
	switch t.Kind {
	case KindText:
		return t.Text
	case KindSummary:
		return summaryPrefix + t.Text
	case KindToolCall:
		if t.Call == nil {
			return ""
		}
		return t.Call.Name + string(t.Call.Arguments)
	case KindToolResult:
		if t.Result == nil {
			return ""
		}
		return t.Result.Content()
	}
	return "" // approvals are not sent to the model
}

// CompactResult describes one Compact call.
type CompactResult struct {
	Compacted  bool
	Summarized int // turns folded into the summary
	SizeBefore int
	SizeAfter  int
}

// Manager owns the history of one session while a run is active.
type Manager struct {
	mu         sync.Mutex
	sess       *Session
	budget     int
	tail       int
	sizer      Sizer
	summarizer Summarizer
	now        func() time.Time
	logger     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithBudget(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.budget = n
		}
	}
}

// WithTail sets how many recent turns compaction keeps verbatim.
func WithTail(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.tail = n
		}
	}
}

func WithSizer(s Sizer) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.sizer = s
		}
	}
}

func WithSummarizer(s Summarizer) ManagerOption {
	return func(m *Manager) { m.summarizer = s }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager wraps sess. The session is mutated in place.
func NewManager(sess *Session, opts ...ManagerOption) *Manager {
	m := &Manager{
		sess:   sess,
		budget: DefaultBudget,
		tail:   DefaultTail,
		sizer:  TokenSizer{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Session returns the managed session.
func (m *Manager) Session() *Session { return m.sess }

// Append assigns the next ordinal and a timestamp to t, checks it against the
// history and stores it.
func (m *Manager) Append(t Turn) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.Role == "" {
		t.Role, _ = expectedRole(t.Kind)
	}
	if t.Kind == KindSummary {
		return Turn{}, fmt.Errorf("%w: summary turns are created by Compact", ErrInvalidTurn)
	}

	h := newHistoryIndex()
	for _, prev := range m.sess.Turns {
		h.add(prev)
	}
	if err := h.check(t); err != nil {
		return Turn{}, fmt.Errorf("%w: %v", ErrInvalidTurn, err)
	}

	now := m.now().UTC()
	t.Ordinal = m.sess.LastOrdinal() + 1
	t.From = 0
	t.Time = now
	m.sess.Turns = append(m.sess.Turns, t)
	m.sess.UpdatedAt = now
	return t, nil
}

// PromptView is the part of history sent to the model.
type PromptView struct {
	Summary *Turn
	Turns   []Turn
}

// Snapshot returns a copy of the summary and retained turns.
func (m *Manager) Snapshot() PromptView {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := PromptView{Turns: append([]Turn(nil), m.sess.Turns...)}
	if m.sess.Summary != nil {
		s := *m.sess.Summary
		v.Summary = &s
	}
	return v
}

// CurrentSize is the Sizer total over the summary and retained turns.
func (m *Manager) CurrentSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size()
}

func (m *Manager) size() int {
	total := 0
	if m.sess.Summary != nil {
		total += m.sizer.Size(*m.sess.Summary)
	}
	for _, t := range m.sess.Turns {
		total += m.sizer.Size(t)
	}
	return total
}

// Compact folds everything older than the tail into the summary when the
// history exceeds the budget. It is a no-op when within budget or when only
// the tail is left. On summarizer failure the history is left untouched.
func (m *Manager) Compact(ctx context.Context) (CompactResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.size()
	res := CompactResult{SizeBefore: before, SizeAfter: before}
	if before <= m.budget || m.summarizer == nil {
		return res, nil
	}

	turns := m.sess.Turns
	if len(turns) <= m.tail {
		return res, nil
	}
	split := alignSplit(turns, len(turns)-m.tail)
	if split <= 0 {
		return res, nil
	}

	head := turns[:split]
	prev := ""
	from := head[0].Ordinal
	if m.sess.Summary != nil {
		prev = m.sess.Summary.Text
		from = m.sess.Summary.From
	}

	text, err := m.summarizer.Summarize(ctx, prev, append([]Turn(nil), head...))
	if err != nil {
		m.logger.Warn("compaction failed, history kept", "session", m.sess.ID, "error", err)
		return res, fmt.Errorf("summarize %d turns: %w", len(head), err)
	}

	m.sess.Summary = &Turn{
		Ordinal: head[len(head)-1].Ordinal,
		From:    from,
		Role:    RoleUser,
		Kind:    KindSummary,
		Text:    text,
		Time:    m.now().UTC(),
	}
	m.sess.Turns = append([]Turn(nil), turns[split:]...)

	res.Compacted = true
	res.Summarized = len(head)
	res.SizeAfter = m.size()
	m.logger.Debug("history compacted",
		"session", m.sess.ID,
		"summarized", res.Summarized,
		"size_before", res.SizeBefore,
		"size_after", res.SizeAfter,
	)
	return res, nil
}

// alignSplit moves split backwards until no turn at or after it refers to a
// call before it, and no assistant message is cut between its text and calls.
func alignSplit(turns []Turn, split int) int {
	callIndex := make(map[string]int)
	for i, t := range turns {
		if t.Kind == KindToolCall && t.Call != nil {
			callIndex[t.Call.ID] = i
		}
	}

	for moved := true; moved && split > 0; {
		moved = false
		for i := split; i < len(turns); i++ {
			id := turns[i].callID()
			if id == "" {
				continue
			}
			if ci, ok := callIndex[id]; ok && ci < split {
				split = ci
				moved = true
			}
		}
		for split > 0 && split < len(turns) && turns[split].Kind == KindToolCall && turns[split-1].Role == RoleAssistant {
			split--
			moved = true
		}
	}
	return split
}

// Messages renders the view as provider messages. Consecutive turns that map
// to the same provider role share one message; approvals are omitted. Calls
// with no recorded result get a synthetic error result so every tool_use is
// answered.
func (v PromptView) Messages() []provider.Message {
	answered := make(map[string]bool)
	for _, t := range v.Turns {
		if t.Kind == KindToolResult && t.Result != nil {
			answered[t.Result.CallID] = true
		}
	}

	var msgs []provider.Message
	var unanswered []provider.Content
	push := func(role provider.Role, c provider.Content) {
		if role != provider.RoleAssistant && len(unanswered) > 0 {
			pending := unanswered
			unanswered = nil
			for _, u := range pending {
				pushContent(&msgs, provider.RoleUser, u)
			}
		}
		pushContent(&msgs, role, c)
	}

	if v.Summary != nil {
		push(provider.RoleUser, provider.Content{Type: provider.ContentTypeText, Text: summaryPrefix + v.Summary.Text})
	}
	for _, t := range v.Turns {
		switch t.Kind {
		case KindText:
			role := provider.RoleUser
			if t.Role == RoleAssistant {
				role = provider.RoleAssistant
			}
			push(role, provider.Content{Type: provider.ContentTypeText, Text: t.Text})
		case KindToolCall:
			push(provider.RoleAssistant, provider.Content{
				Type:      provider.ContentTypeToolUse,
				ToolUseID: t.Call.ID,
				ToolName:  t.Call.Name,
				ToolInput: t.Call.Arguments,
			})
			if !answered[t.Call.ID] {
				unanswered = append(unanswered, provider.Content{
					Type:       provider.ContentTypeToolResult,
					ToolUseID:  t.Call.ID,
					ToolResult: "error: interrupted before a result was recorded",
					IsError:    true,
				})
			}
		case KindToolResult:
			push(provider.RoleUser, provider.Content{
				Type:       provider.ContentTypeToolResult,
				ToolUseID:  t.Result.CallID,
				ToolResult: t.Result.Content(),
				IsError:    !t.Result.Success,
			})
		}
	}
	for _, u := range unanswered {
		pushContent(&msgs, provider.RoleUser, u)
	}
	return msgs
}

func pushContent(msgs *[]provider.Message, role provider.Role, c provider.Content) {
	if n := len(*msgs); n > 0 && (*msgs)[n-1].Role == role {
		(*msgs)[n-1].Content = append((*msgs)[n-1].Content, c)
		return
	}
	*msgs = append(*msgs, provider.Message{Role: role, Content: []provider.Content{c}})
}
