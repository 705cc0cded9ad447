package eventindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

func writeEventsFile(t *testing.T, dir *workerdir.Dir, lines []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir.Path, 0o755))
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(dir.EventsPath(), []byte(content), 0o644))
}

func TestIndex_RebuildAndQuery(t *testing.T) {
	ralphDir := t.TempDir()
	workersRoot := filepath.Join(ralphDir, "workers")

	w1 := workerdir.New(ralphDir, "TASK-001", 1)
	writeEventsFile(t, w1, []string{
		`{"event":"started","source":"worker","from":"spawned","to":"in_progress","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"event":"needs_merge","source":"worker","from":"in_progress","to":"needs_merge","timestamp":"2026-01-01T01:00:00Z"}`,
	})

	w2 := workerdir.New(ralphDir, "TASK-002", 1)
	writeEventsFile(t, w2, []string{
		`{"event":"started","source":"worker","from":"spawned","to":"in_progress","timestamp":"2026-01-01T00:30:00Z"}`,
	})

	ix, err := Open(filepath.Join(ralphDir, "events-index.db"))
	require.NoError(t, err)
	defer ix.Close()

	n, err := ix.Rebuild(workersRoot)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	rows, err := ix.ByTask("TASK-001")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "started", rows[0].Event)
	require.Equal(t, "needs_merge", rows[1].Event)
	require.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))

	rows, err = ix.ByEvent("started")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = ix.ByTask("TASK-404")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestIndex_RebuildIsFullReplace(t *testing.T) {
	ralphDir := t.TempDir()
	workersRoot := filepath.Join(ralphDir, "workers")

	w1 := workerdir.New(ralphDir, "TASK-001", 1)
	writeEventsFile(t, w1, []string{
		`{"event":"started","source":"worker","from":"spawned","to":"in_progress","timestamp":"2026-01-01T00:00:00Z"}`,
	})

	ix, err := Open(filepath.Join(ralphDir, "events-index.db"))
	require.NoError(t, err)
	defer ix.Close()

	n, err := ix.Rebuild(workersRoot)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// events.jsonl is the source of truth: a worker disappearing (archived)
	// between rebuilds must make its rows disappear too, since the index is
	// fully disposable rather than accumulated.
	require.NoError(t, os.RemoveAll(w1.Path))

	n, err = ix.Rebuild(workersRoot)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	rows, err := ix.ByTask("TASK-001")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestIndex_RebuildMissingWorkersRoot(t *testing.T) {
	ralphDir := t.TempDir()
	ix, err := Open(filepath.Join(ralphDir, "events-index.db"))
	require.NoError(t, err)
	defer ix.Close()

	n, err := ix.Rebuild(filepath.Join(ralphDir, "workers"))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestIndex_RebuildToleratesPartialTrailingLine(t *testing.T) {
	ralphDir := t.TempDir()
	workersRoot := filepath.Join(ralphDir, "workers")

	w1 := workerdir.New(ralphDir, "TASK-001", 1)
	require.NoError(t, os.MkdirAll(w1.Path, 0o755))
	partial := `{"event":"started","source":"worker","from":"spawned","to":"in_progress","timestamp":"2026-01-01T00:00:00Z"}` + "\n" + `{"event":"crashed_mid_wr`
	require.NoError(t, os.WriteFile(w1.EventsPath(), []byte(partial), 0o644))

	ix, err := Open(filepath.Join(ralphDir, "events-index.db"))
	require.NoError(t, err)
	defer ix.Close()

	n, err := ix.Rebuild(workersRoot)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIndex_TimestampRoundTrip(t *testing.T) {
	ralphDir := t.TempDir()
	workersRoot := filepath.Join(ralphDir, "workers")
	w1 := workerdir.New(ralphDir, "TASK-001", 1)
	writeEventsFile(t, w1, []string{
		`{"event":"started","source":"worker","from":"spawned","to":"in_progress","timestamp":"2026-01-01T00:00:00Z"}`,
	})

	ix, err := Open(filepath.Join(ralphDir, "events-index.db"))
	require.NoError(t, err)
	defer ix.Close()

	_, err = ix.Rebuild(workersRoot)
	require.NoError(t, err)

	rows, err := ix.ByTask("TASK-001")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	want, _ := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	require.WithinDuration(t, want, rows[0].Timestamp, time.Second)
}
