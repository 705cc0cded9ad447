package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	cp := Checkpoint{RunID: "run-1", N: 1, StepID: "execute", Summary: "did stuff", FilesModified: []string{"a.go"}}
	require.NoError(t, s.Write(cp))

	got, err := s.Read("run-1", 1)
	require.NoError(t, err)
	require.Equal(t, "execute", got.StepID)
	require.Equal(t, []string{"a.go"}, got.FilesModified)
}

func TestLatest(t *testing.T) {
	s := New(t.TempDir())
	for n := 1; n <= 3; n++ {
		require.NoError(t, s.Write(Checkpoint{RunID: "run-1", N: n, StepID: "execute"}))
	}
	latest, ok, err := s.Latest("run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, latest.N)
}

func TestMarkInterrupted(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Write(Checkpoint{RunID: "run-1", N: 1, StepID: "execute"}))
	require.NoError(t, s.MarkInterrupted("run-1"))

	latest, ok, err := s.Latest("run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, latest.Interrupted)
}

func TestLastCommittedBefore(t *testing.T) {
	s := New(t.TempDir())
	order := []string{"plan", "execute", "test", "review", "pr", "merge"}

	require.NoError(t, s.Write(Checkpoint{RunID: "run-1", N: 1, StepID: "execute", CommitHash: "abc123", Timestamp: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.Write(Checkpoint{RunID: "run-1", N: 2, StepID: "test", CommitHash: ""}))

	cp, found, err := s.LastCommittedBefore([]string{"run-1"}, order, "test")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "execute", cp.StepID)

	_, found, err = s.LastCommittedBefore([]string{"run-1"}, order, "execute")
	require.NoError(t, err)
	require.False(t, found)
}
