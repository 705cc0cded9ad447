package merge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
)

func readGateResult(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var result pipeline.Result
	require.NoError(t, json.Unmarshal(data, &result))
	return result.GateResult
}

func TestWaitTurnHandler_ImmediatelyReady(t *testing.T) {
	queue := scheduler.NewQueue(filepath.Join(t.TempDir(), "conflict-queue.json"))
	queue.Batches = map[string]*scheduler.ConflictBatch{
		"batch-1": {ID: "batch-1", Members: []string{"PROJ-1", "PROJ-2"}, Status: "pending"},
	}

	resultPath := filepath.Join(t.TempDir(), "result.json")
	handler := NewWaitTurnHandler(queue, "batch-1", "PROJ-1", time.Millisecond, time.Second)
	require.NoError(t, handler(pipeline.StepContext{StepID: "wait_turn", ResultPath: resultPath}))
	require.Equal(t, "ready", readGateResult(t, resultPath))
}

func TestWaitTurnHandler_WaitsForTurnThenReady(t *testing.T) {
	queue := scheduler.NewQueue(filepath.Join(t.TempDir(), "conflict-queue.json"))
	batch := &scheduler.ConflictBatch{ID: "batch-1", Members: []string{"PROJ-1", "PROJ-2"}, Status: "pending"}
	queue.Batches = map[string]*scheduler.ConflictBatch{"batch-1": batch}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		batch.Advance()
	}()

	resultPath := filepath.Join(t.TempDir(), "result.json")
	handler := NewWaitTurnHandler(queue, "batch-1", "PROJ-2", 5*time.Millisecond, time.Second)
	require.NoError(t, handler(pipeline.StepContext{StepID: "wait_turn", ResultPath: resultPath}))
	require.Equal(t, "ready", readGateResult(t, resultPath))
	wg.Wait()
}

func TestWaitTurnHandler_Timeout(t *testing.T) {
	queue := scheduler.NewQueue(filepath.Join(t.TempDir(), "conflict-queue.json"))
	queue.Batches = map[string]*scheduler.ConflictBatch{
		"batch-1": {ID: "batch-1", Members: []string{"PROJ-1", "PROJ-2"}, Status: "pending"},
	}

	resultPath := filepath.Join(t.TempDir(), "result.json")
	handler := NewWaitTurnHandler(queue, "batch-1", "PROJ-2", 5*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, handler(pipeline.StepContext{StepID: "wait_turn", ResultPath: resultPath}))
	require.Equal(t, "timeout", readGateResult(t, resultPath))
}

func TestWaitTurnHandler_BatchMissing(t *testing.T) {
	queue := scheduler.NewQueue(filepath.Join(t.TempDir(), "conflict-queue.json"))

	resultPath := filepath.Join(t.TempDir(), "result.json")
	handler := NewWaitTurnHandler(queue, "missing-batch", "PROJ-1", 5*time.Millisecond, time.Second)
	require.NoError(t, handler(pipeline.StepContext{StepID: "wait_turn", ResultPath: resultPath}))
	require.Equal(t, "batch_missing", readGateResult(t, resultPath))
}

func TestWaitTurnHandler_TerminalStatusShortCircuits(t *testing.T) {
	queue := scheduler.NewQueue(filepath.Join(t.TempDir(), "conflict-queue.json"))
	queue.Batches = map[string]*scheduler.ConflictBatch{
		"batch-1": {ID: "batch-1", Members: []string{"PROJ-1"}, Status: "failed"},
	}

	resultPath := filepath.Join(t.TempDir(), "result.json")
	handler := NewWaitTurnHandler(queue, "batch-1", "PROJ-2", 5*time.Millisecond, time.Second)
	require.NoError(t, handler(pipeline.StepContext{StepID: "wait_turn", ResultPath: resultPath}))
	require.Equal(t, "failed", readGateResult(t, resultPath))
}
