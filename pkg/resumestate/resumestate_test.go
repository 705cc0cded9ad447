package resumestate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, maxAttempts int) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "resume-state.json"), maxAttempts)
}

func TestRead_DefaultsWhenFileMissing(t *testing.T) {
	s := newStore(t, 5)
	st, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, 5, st.MaxAttempts)
	require.False(t, st.Terminal)
}

func TestIncrement_AppendsHistoryAndBumpsCount(t *testing.T) {
	s := newStore(t, 5)
	require.NoError(t, s.Increment("RETRY", "default", "execute", "no completion evidence"))
	require.NoError(t, s.Increment("RETRY", "default", "test", "still incomplete"))

	st, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, 2, st.AttemptCount)
	require.Len(t, st.History, 2)
	require.Equal(t, "test", st.History[1].Step)
	require.False(t, st.LastAttemptAt.IsZero())
}

func TestSetTerminal(t *testing.T) {
	s := newStore(t, 5)
	require.NoError(t, s.SetTerminal("abort: unrecoverable"))

	terminal, err := s.IsTerminal()
	require.NoError(t, err)
	require.True(t, terminal)
}

func TestSetCooldown(t *testing.T) {
	s := newStore(t, 5)
	require.NoError(t, s.SetCooldown(3600))

	cooling, err := s.IsCooling()
	require.NoError(t, err)
	require.True(t, cooling)
}

func TestMaxExceeded(t *testing.T) {
	s := newStore(t, 2)
	require.NoError(t, s.Increment("RETRY", "default", "execute", "r1"))
	exceeded, err := s.MaxExceeded()
	require.NoError(t, err)
	require.False(t, exceeded)

	require.NoError(t, s.Increment("RETRY", "default", "execute", "r2"))
	exceeded, err = s.MaxExceeded()
	require.NoError(t, err)
	require.True(t, exceeded)
}
