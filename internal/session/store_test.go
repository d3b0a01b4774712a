package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexion-ai/agentloop/internal/permission"
	"github.com/apexion-ai/agentloop/internal/tools"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir(), nil)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func sampleSession(t *testing.T) *Session {
	t.Helper()
	m := NewManager(New(permission.PolicyAutoEdit, epoch), WithClock(fixedClock()))
	appendAll(t, m,
		UserText("list files"),
		CallTurn(tools.ToolCall{ID: "c1", Name: "bash", Arguments: json.RawMessage(`{"command":"ls"}`)}),
		ApprovalTurn(Approval{CallID: "c1", Tool: "bash", Decision: "auto", Response: ResponseAuto}),
		ResultTurn(tools.ToolResult{CallID: "c1", Name: "bash", Success: true, Output: "a.go\n", Elapsed: 12 * time.Millisecond}),
		AssistantText("There is one file."),
	)
	s := m.Session()
	s.Usage.Add(Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	s.Grants = []string{"bash:ls"}
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			s := sampleSession(t)
			require.NoError(t, st.Save(s))

			got, err := st.Load(s.ID)
			require.NoError(t, err)
			assert.Equal(t, s, got)

			infos, err := st.List()
			require.NoError(t, err)
			require.Len(t, infos, 1)
			assert.Equal(t, s.Info(), infos[0])
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			_, err := st.Load("missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, st.Delete("missing"), ErrNotFound)
			_, err = st.Restore("missing", "cp-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = st.Checkpoints("missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SaveRejectsInvalidSession(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			s := sampleSession(t)
			s.Turns[1].Ordinal = 9
			assert.ErrorIs(t, st.Save(s), ErrCorruptState)
		})
	}
}

func TestStore_CheckpointIsImmutable(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			s := sampleSession(t)
			require.NoError(t, st.Save(s))

			want, err := encodeSession(s)
			require.NoError(t, err)

			info, err := st.Checkpoint(s, "before-refactor")
			require.NoError(t, err)
			assert.Equal(t, "before-refactor", info.Label)
			assert.Equal(t, len(s.Turns), info.TurnCount)
			assert.Len(t, info.Digest, 64)

			// Keep working on the live session after the checkpoint.
			m := NewManager(s, WithClock(fixedClock()))
			appendAll(t, m, UserText("now delete them"))
			s.Grants = append(s.Grants, "write_file:x")
			require.NoError(t, st.Save(s))

			restored, err := st.Restore(s.ID, "before-refactor")
			require.NoError(t, err)
			got, err := encodeSession(restored)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			current, err := st.Load(s.ID)
			require.NoError(t, err)
			assert.Len(t, current.Turns, 5)
		})
	}
}

func TestStore_CheckpointLabels(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			s := sampleSession(t)
			require.NoError(t, st.Save(s))

			first, err := st.Checkpoint(s, "")
			require.NoError(t, err)
			assert.Equal(t, "cp-1", first.Label)

			second, err := st.Checkpoint(s, "")
			require.NoError(t, err)
			assert.Equal(t, "cp-2", second.Label)

			_, err = st.Checkpoint(s, "cp-1")
			assert.ErrorIs(t, err, ErrCheckpointExists)

			for _, bad := range []string{".hidden", "a/b", "has space", strings.Repeat("a", 65)} {
				_, err = st.Checkpoint(s, bad)
				assert.ErrorIs(t, err, ErrInvalidLabel, bad)
			}

			list, err := st.Checkpoints(s.ID)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "cp-1", list[0].Label)
			assert.Equal(t, first.Digest, list[0].Digest)
		})
	}
}

func TestStore_DeleteRemovesCheckpoints(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			s := sampleSession(t)
			require.NoError(t, st.Save(s))
			_, err := st.Checkpoint(s, "x")
			require.NoError(t, err)

			require.NoError(t, st.Delete(s.ID))
			_, err = st.Load(s.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = st.Restore(s.ID, "x")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStore_CorruptFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	s := sampleSession(t)
	require.NoError(t, st.Save(s))
	_, err = st.Checkpoint(s, "good")
	require.NoError(t, err)

	cp := filepath.Join(dir, s.ID, checkpointDir, "good"+checkpointExt)
	data, err := os.ReadFile(cp)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(cp, data, 0o600))
	_, err = st.Restore(s.ID, "good")
	assert.ErrorIs(t, err, ErrCorruptState)

	require.NoError(t, os.WriteFile(filepath.Join(dir, s.ID, currentFile), []byte("{not json"), 0o600))
	_, err = st.Load(s.ID)
	assert.ErrorIs(t, err, ErrCorruptState)

	infos, err := st.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestFileStore_ListOrder(t *testing.T) {
	st, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	older := New(permission.PolicyAuto, epoch)
	newer := New(permission.PolicyAuto, epoch.Add(time.Hour))
	require.NoError(t, st.Save(older))
	require.NoError(t, st.Save(newer))

	infos, err := st.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, newer.ID, infos[0].ID)
	assert.Equal(t, older.ID, infos[1].ID)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	s := sampleSession(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Save(s))
	}
	entries, err := os.ReadDir(filepath.Join(dir, s.ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, currentFile, entries[0].Name())
}
