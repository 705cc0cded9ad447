package gitstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, historyCap int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "git-state.json")
	s := New(path, historyCap)
	_, err := s.Init("worker-TASK-001-1", "TASK-001", "created")
	require.NoError(t, err)
	return s
}

func TestInitAndGetState(t *testing.T) {
	s := newStore(t, 0)
	st, err := s.GetState()
	require.NoError(t, err)
	require.Equal(t, "created", st.CurrentState)
	require.Empty(t, st.History)
}

func TestSetStateAppendsHistory(t *testing.T) {
	s := newStore(t, 0)
	_, err := s.SetState("planning", "scheduler", "ready task picked")
	require.NoError(t, err)

	st, err := s.GetState()
	require.NoError(t, err)
	require.Equal(t, "planning", st.CurrentState)
	require.Len(t, st.History, 1)
	require.Equal(t, "created", st.History[0].From)
	require.Equal(t, "planning", st.History[0].To)
}

func TestSetStateCapsHistory(t *testing.T) {
	s := newStore(t, 3)
	for i := 0; i < 10; i++ {
		_, err := s.SetState("state", "source", "")
		require.NoError(t, err)
	}
	st, err := s.GetState()
	require.NoError(t, err)
	require.Len(t, st.History, 3)
}

func TestIsReflectsCurrentState(t *testing.T) {
	s := newStore(t, 0)
	ok, err := s.Is("created")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.SetState("merged", "merge-coordinator", "")
	require.NoError(t, err)
	ok, err = s.Is("created")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIncMergeAndRecoveryAttempts(t *testing.T) {
	s := newStore(t, 0)
	n, err := s.IncMergeAttempts()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s.IncMergeAttempts()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.IncRecoveryAttempts()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSetPRAndSetError(t *testing.T) {
	s := newStore(t, 0)
	require.NoError(t, s.SetPR(42, "https://example.com/pr/42"))
	require.NoError(t, s.SetError("backend timeout"))

	st, err := s.GetState()
	require.NoError(t, err)
	require.NotNil(t, st.PR)
	require.Equal(t, 42, st.PR.Number)
	require.Equal(t, "backend timeout", st.LastError)
	require.NotNil(t, st.LastErrorAt)
}
