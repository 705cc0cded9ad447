package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/backend"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
)

// scriptedBackend is a minimal fake backend.Backend so PlanBatch can be
// exercised without spawning a real agent process, mirroring the pattern
// used for the ralph/single-shot handlers.
type scriptedBackend struct {
	backend.Base
	reply string
}

func (b *scriptedBackend) BuildExecArgs(workspace, systemPrompt, userPrompt string, maxTurns int) []string {
	return []string{"exec"}
}
func (b *scriptedBackend) Invoke(ctx context.Context, workspace string, args []string, logPath string) (int, error) {
	return 0, os.WriteFile(logPath, []byte(b.reply), 0o644)
}
func (b *scriptedBackend) ExtractText(logPath string) (string, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", nil
	}
	return string(data), nil
}
func (b *scriptedBackend) SupportsSessions() bool { return false }

func newPlannerRuntime(reply string) *backend.Runtime {
	return backend.NewRuntime(&scriptedBackend{reply: reply}, backend.PromptWrappers{}, backend.RetryConfig{})
}

func TestPlanBatch_ParsesJSONReply(t *testing.T) {
	rt := newPlannerRuntime("Here is the plan:\n{\"hints\":[{\"task_id\":\"PROJ-1\",\"hint\":\"take the new version of shared.go\"}]}\nthanks")
	batch := &scheduler.ConflictBatch{ID: "batch-1", Members: []string{"PROJ-1", "PROJ-2"}, Files: []string{"shared.go"}}

	plan, err := PlanBatch(context.Background(), rt, t.TempDir(), filepath.Join(t.TempDir(), "log.txt"), 5, batch)
	require.NoError(t, err)
	require.Equal(t, "batch-1", plan.BatchID)
	require.Equal(t, "take the new version of shared.go", plan.HintFor("PROJ-1"))
	require.Equal(t, "", plan.HintFor("PROJ-2"))
}

func TestPlanBatch_NoJSONObjectIsError(t *testing.T) {
	rt := newPlannerRuntime("sorry, I can't help with that")
	batch := &scheduler.ConflictBatch{ID: "batch-2", Members: []string{"PROJ-1"}}

	_, err := PlanBatch(context.Background(), rt, t.TempDir(), filepath.Join(t.TempDir(), "log.txt"), 5, batch)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no JSON object")
}

func TestPlanBatch_MalformedJSONIsError(t *testing.T) {
	rt := newPlannerRuntime("{not valid json}")
	batch := &scheduler.ConflictBatch{ID: "batch-3", Members: []string{"PROJ-1"}}

	_, err := PlanBatch(context.Background(), rt, t.TempDir(), filepath.Join(t.TempDir(), "log.txt"), 5, batch)
	require.Error(t, err)
}
