package workerdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndEnsureLayout(t *testing.T) {
	ralph := t.TempDir()
	d := New(ralph, "TASK-001", 1234)
	require.Equal(t, filepath.Join(ralph, "workers", "worker-TASK-001-1234"), d.Path)

	require.NoError(t, d.EnsureLayout())
	for _, sub := range []string{"workspace", "checkpoints", "logs", "results", "reports", "summaries", "tmp", "effect-outbox"} {
		info, err := os.Stat(filepath.Join(d.Path, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestTaskID(t *testing.T) {
	d := Open("/ralph/workers/worker-TASK-001-1234")
	require.Equal(t, "TASK-001", d.TaskID())

	d2 := Open("/ralph/workers/worker-some-long-task-id-9999")
	require.Equal(t, "some-long-task-id", d2.TaskID())
}

func TestHasLiveAgent(t *testing.T) {
	ralph := t.TempDir()
	d := New(ralph, "TASK-001", 1)
	require.NoError(t, d.EnsureLayout())
	require.False(t, d.HasLiveAgent())

	require.NoError(t, os.WriteFile(d.AgentPIDPath(), []byte("123"), 0o644))
	require.True(t, d.HasLiveAgent())
}

func TestArchive(t *testing.T) {
	ralph := t.TempDir()
	d := New(ralph, "TASK-001", 1)
	require.NoError(t, d.EnsureLayout())

	dest, err := d.Archive()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(ralph, ".archive", "worker-TASK-001-1"), dest)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(ralph, "workers", "worker-TASK-001-1"))
	require.True(t, os.IsNotExist(err))
}
