package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexion-ai/agentloop/internal/permission"
	"github.com/apexion-ai/agentloop/internal/provider"
	"github.com/apexion-ai/agentloop/internal/tools"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fixedClock() func() time.Time {
	now := epoch
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func echoSummarizer(calls *int) Summarizer {
	return SummarizerFunc(func(_ context.Context, prev string, turns []Turn) (string, error) {
		*calls++
		return "summary of " + strings.Repeat("x", 10), nil
	})
}

func appendAll(t *testing.T, m *Manager, turns ...Turn) {
	t.Helper()
	for _, tn := range turns {
		_, err := m.Append(tn)
		require.NoError(t, err)
	}
}

func TestManager_AppendAssignsGaplessOrdinals(t *testing.T) {
	m := NewManager(New(permission.PolicyAuto, epoch), WithClock(fixedClock()))
	appendAll(t, m, UserText("a"), AssistantText("b"), UserText("c"))

	s := m.Session()
	for i, tn := range s.Turns {
		assert.Equal(t, int64(i+1), tn.Ordinal)
		assert.False(t, tn.Time.IsZero())
	}
	assert.Equal(t, s.Turns[2].Time, s.UpdatedAt)
	require.NoError(t, s.Validate())
}

func TestManager_AppendRejectsBrokenLinkage(t *testing.T) {
	m := NewManager(New(permission.PolicyAuto, epoch))

	_, err := m.Append(ResultTurn(tools.ToolResult{CallID: "nope", Name: "bash", Success: true}))
	assert.ErrorIs(t, err, ErrInvalidTurn)

	call := tools.ToolCall{ID: "c1", Name: "bash", Arguments: json.RawMessage(`{}`)}
	appendAll(t, m, CallTurn(call))

	_, err = m.Append(CallTurn(call))
	assert.ErrorIs(t, err, ErrInvalidTurn, "duplicate call id")

	appendAll(t, m, ResultTurn(tools.ToolResult{CallID: "c1", Name: "bash", Success: true}))
	_, err = m.Append(ApprovalTurn(Approval{CallID: "c1", Tool: "bash", Response: ResponseAccepted}))
	assert.ErrorIs(t, err, ErrInvalidTurn, "approval after result")

	_, err = m.Append(ResultTurn(tools.ToolResult{CallID: "c1", Name: "bash"}))
	assert.ErrorIs(t, err, ErrInvalidTurn, "second result")

	_, err = m.Append(Turn{Kind: KindSummary, Text: "s"})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	_, err = m.Append(Turn{Role: RoleTool, Kind: KindText, Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	assert.Len(t, m.Session().Turns, 2)
}

func TestManager_CompactKeepsTailWithinBudget(t *testing.T) {
	calls := 0
	m := NewManager(New(permission.PolicyAuto, epoch),
		WithSizer(CharSizer{}),
		WithBudget(500),
		WithTail(5),
		WithSummarizer(echoSummarizer(&calls)),
		WithClock(fixedClock()),
	)
	var texts []string
	for i := 0; i < 20; i++ {
		text := strings.Repeat(string(rune('a'+i)), 40)
		texts = append(texts, text)
		if i%2 == 0 {
			appendAll(t, m, UserText(text))
		} else {
			appendAll(t, m, AssistantText(text))
		}
	}
	require.Equal(t, 800, m.CurrentSize())

	res, err := m.Compact(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Compacted)
	assert.Equal(t, 15, res.Summarized)
	assert.Equal(t, 1, calls)
	assert.LessOrEqual(t, m.CurrentSize(), 500)
	assert.Equal(t, res.SizeAfter, m.CurrentSize())

	s := m.Session()
	require.Len(t, s.Turns, 5)
	for i, tn := range s.Turns {
		assert.Equal(t, texts[15+i], tn.Text)
		assert.Equal(t, int64(16+i), tn.Ordinal)
	}
	require.NotNil(t, s.Summary)
	assert.Equal(t, int64(1), s.Summary.From)
	assert.Equal(t, int64(15), s.Summary.Ordinal)
	require.NoError(t, s.Validate())

	// Appending after compaction continues the ordinal sequence.
	tn, err := m.Append(UserText("next"))
	require.NoError(t, err)
	assert.Equal(t, int64(21), tn.Ordinal)
}

func TestManager_CompactWithinBudgetIsNoop(t *testing.T) {
	calls := 0
	m := NewManager(New(permission.PolicyAuto, epoch), WithSummarizer(echoSummarizer(&calls)))
	appendAll(t, m, UserText("hi"), AssistantText("hello"))

	res, err := m.Compact(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Compacted)
	assert.Zero(t, calls)
}

func TestManager_CompactFailureLeavesHistory(t *testing.T) {
	boom := errors.New("backend down")
	m := NewManager(New(permission.PolicyAuto, epoch),
		WithSizer(CharSizer{}),
		WithBudget(10),
		WithTail(1),
		WithSummarizer(SummarizerFunc(func(context.Context, string, []Turn) (string, error) {
			return "", boom
		})),
	)
	appendAll(t, m, UserText(strings.Repeat("a", 20)), AssistantText(strings.Repeat("b", 20)), UserText("c"))
	before := append([]Turn(nil), m.Session().Turns...)

	_, err := m.Compact(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, before, m.Session().Turns)
	assert.Nil(t, m.Session().Summary)
}

func TestManager_CompactNeverOrphansResults(t *testing.T) {
	calls := 0
	m := NewManager(New(permission.PolicyAuto, epoch),
		WithSizer(CharSizer{}),
		WithBudget(10),
		WithTail(2),
		WithSummarizer(echoSummarizer(&calls)),
	)
	appendAll(t, m,
		UserText(strings.Repeat("q", 30)),
		AssistantText("let me look"),
		CallTurn(tools.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"file_path":"a"}`)}),
		CallTurn(tools.ToolCall{ID: "c2", Name: "read_file", Arguments: json.RawMessage(`{"file_path":"b"}`)}),
		ResultTurn(tools.ToolResult{CallID: "c1", Name: "read_file", Success: true, Output: "A"}),
		ResultTurn(tools.ToolResult{CallID: "c2", Name: "read_file", Success: true, Output: "B"}),
	)

	res, err := m.Compact(context.Background())
	require.NoError(t, err)
	require.True(t, res.Compacted)

	s := m.Session()
	require.NoError(t, s.Validate())
	// The split moved back to before the assistant text that issued the calls.
	assert.Equal(t, 1, res.Summarized)
	assert.Equal(t, KindText, s.Turns[0].Kind)
	assert.Equal(t, RoleAssistant, s.Turns[0].Role)
}

func TestAlignSplit(t *testing.T) {
	turns := []Turn{
		UserText("q"),
		CallTurn(tools.ToolCall{ID: "c1", Name: "bash"}),
		ApprovalTurn(Approval{CallID: "c1"}),
		ResultTurn(tools.ToolResult{CallID: "c1"}),
		AssistantText("done"),
	}
	assert.Equal(t, 1, alignSplit(turns, 3))
	assert.Equal(t, 1, alignSplit(turns, 2))
	assert.Equal(t, 4, alignSplit(turns, 4))
	assert.Equal(t, 0, alignSplit(turns, 0))
	assert.Equal(t, len(turns), alignSplit(turns, len(turns)))
}

func TestManager_CompactWithZeroTail(t *testing.T) {
	calls := 0
	m := NewManager(New(permission.PolicyAuto, epoch),
		WithSizer(CharSizer{}),
		WithBudget(10),
		WithTail(0),
		WithSummarizer(echoSummarizer(&calls)),
	)
	appendAll(t, m, UserText(strings.Repeat("a", 20)), AssistantText(strings.Repeat("b", 20)))

	res, err := m.Compact(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Compacted)
	assert.Equal(t, 2, res.Summarized)
	assert.Equal(t, 1, calls)

	s := m.Session()
	assert.Empty(t, s.Turns)
	require.NotNil(t, s.Summary)
	assert.Equal(t, int64(2), s.Summary.Ordinal)
	require.NoError(t, s.Validate())
}

func TestPromptView_Messages(t *testing.T) {
	summary := Turn{Role: RoleUser, Kind: KindSummary, Text: "earlier work", Ordinal: 2, From: 1}
	v := PromptView{
		Summary: &summary,
		Turns: []Turn{
			UserText("fix it"),
			AssistantText("looking"),
			CallTurn(tools.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{}`)}),
			CallTurn(tools.ToolCall{ID: "c2", Name: "bash", Arguments: json.RawMessage(`{}`)}),
			ApprovalTurn(Approval{CallID: "c2", Response: ResponseDeclined}),
			ResultTurn(tools.ToolResult{CallID: "c1", Success: true, Output: "content"}),
			ResultTurn(tools.ToolResult{CallID: "c2", Error: "declined by user", Kind: tools.KindDeclined}),
			AssistantText("ok"),
		},
	}

	msgs := v.Messages()
	require.Len(t, msgs, 4)

	assert.Equal(t, provider.RoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Content, 2)
	assert.Equal(t, summaryPrefix+"earlier work", msgs[0].Content[0].Text)
	assert.Equal(t, "fix it", msgs[0].Content[1].Text)

	assert.Equal(t, provider.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 3)
	assert.Equal(t, provider.ContentTypeToolUse, msgs[1].Content[1].Type)
	assert.Equal(t, "c2", msgs[1].Content[2].ToolUseID)

	assert.Equal(t, provider.RoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 2)
	assert.False(t, msgs[2].Content[0].IsError)
	assert.True(t, msgs[2].Content[1].IsError)
	assert.Equal(t, "error: declined by user", msgs[2].Content[1].ToolResult)

	assert.Equal(t, provider.RoleAssistant, msgs[3].Role)
}

func TestPromptView_MessagesAnswersDanglingCalls(t *testing.T) {
	v := PromptView{Turns: []Turn{
		UserText("go"),
		CallTurn(tools.ToolCall{ID: "c1", Name: "bash", Arguments: json.RawMessage(`{}`)}),
	}}
	msgs := v.Messages()
	require.Len(t, msgs, 3)
	last := msgs[2]
	assert.Equal(t, provider.RoleUser, last.Role)
	require.Len(t, last.Content, 1)
	assert.Equal(t, "c1", last.Content[0].ToolUseID)
	assert.True(t, last.Content[0].IsError)
}

func TestBudgetFor(t *testing.T) {
	assert.Equal(t, DefaultBudget, BudgetFor(0))
	assert.Equal(t, 130000, BudgetFor(200000))
	assert.Equal(t, 4096, BudgetFor(8192))
}

func TestBudgetForSizer(t *testing.T) {
	assert.Equal(t, 130000, BudgetForSizer(200000, SizerFor("tokens")))
	assert.Equal(t, 520000, BudgetForSizer(200000, SizerFor("chars")))
	assert.IsType(t, CharSizer{}, SizerFor("chars"))
	assert.IsType(t, TokenSizer{}, SizerFor(""))

	turn := UserText(strings.Repeat("x", 400))
	assert.Equal(t, 4*TokenSizer{}.Size(turn), CharSizer{}.Size(turn))
}
