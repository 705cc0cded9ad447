package resume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

var stepOrder = []string{"plan", "execute", "test", "review", "pr", "merge"}

func newTestDir(t *testing.T) *workerdir.Dir {
	t.Helper()
	d := workerdir.New(t.TempDir(), "T1", 1)
	require.NoError(t, d.EnsureLayout())
	return d
}

func writeResultFile(t *testing.T, dir *workerdir.Dir, step, gate string, ts time.Time) {
	t.Helper()
	r := pipeline.Result{StepID: step, GateResult: gate, Timestamp: ts}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	path := filepath.Join(dir.Path, "results", step+"-result.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestDecide_CompleteWhenChecklistDoneAndPRExists(t *testing.T) {
	dir := newTestDir(t)
	require.NoError(t, os.WriteFile(dir.PRDPath(), []byte("- [x] add feature\n- [x] write tests\n"), 0o644))
	require.NoError(t, os.WriteFile(dir.PRURLPath(), []byte("https://example.com/pr/1"), 0o644))

	d := NewDecider(checkpoint.New(filepath.Join(dir.Path, "checkpoints")), stepOrder)
	d.gitLog = func(string) (string, error) { return "", nil }

	decision, err := d.Decide(dir, "default", "execute")
	require.NoError(t, err)
	require.Equal(t, Complete, decision.Kind)
}

func TestDecide_RetryWhenChecklistIncomplete(t *testing.T) {
	dir := newTestDir(t)
	require.NoError(t, os.WriteFile(dir.PRDPath(), []byte("- [x] add feature\n- [ ] write tests\n"), 0o644))

	cps := checkpoint.New(filepath.Join(dir.Path, "checkpoints"))
	require.NoError(t, cps.Write(checkpoint.Checkpoint{RunID: "run-1", N: 1, StepID: "plan", CommitHash: "abc123"}))

	d := NewDecider(cps, stepOrder)
	d.gitLog = func(string) (string, error) { return "", nil }

	decision, err := d.Decide(dir, "default", "execute")
	require.NoError(t, err)
	require.Equal(t, Retry, decision.Kind)
	require.Equal(t, "default", decision.Pipeline)
	require.Equal(t, "execute", decision.Step)
	require.True(t, decision.RecoveryPossible)
	require.Equal(t, "RETRY:default:execute", decision.String())
}

func TestDecide_AbortOnFatalGateWithNoRecovery(t *testing.T) {
	dir := newTestDir(t)
	writeResultFile(t, dir, "execute", "fatal", time.Now())

	d := NewDecider(checkpoint.New(filepath.Join(dir.Path, "checkpoints")), stepOrder)
	d.gitLog = func(string) (string, error) { return "", nil }

	decision, err := d.Decide(dir, "default", "execute")
	require.NoError(t, err)
	require.Equal(t, Abort, decision.Kind)
}

func TestDecide_DeferOnRateLimitEvidence(t *testing.T) {
	dir := newTestDir(t)
	require.NoError(t, os.WriteFile(dir.WorkerLogPath(), []byte("backend call failed: 429 too many requests"), 0o644))

	d := NewDecider(checkpoint.New(filepath.Join(dir.Path, "checkpoints")), stepOrder)
	d.gitLog = func(string) (string, error) { return "", nil }

	decision, err := d.Decide(dir, "default", "execute")
	require.NoError(t, err)
	require.Equal(t, Defer, decision.Kind)
}

func TestPRDChecklistComplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.md")
	require.NoError(t, os.WriteFile(path, []byte("# Task\n- [x] one\n- [X] two\n- [ ] three\n"), 0o644))
	total, done, ok := prdChecklistComplete(path)
	require.Equal(t, 3, total)
	require.Equal(t, 2, done)
	require.False(t, ok)
}

func TestPRDChecklistComplete_MissingFile(t *testing.T) {
	_, _, ok := prdChecklistComplete(filepath.Join(t.TempDir(), "missing.md"))
	require.False(t, ok)
}
