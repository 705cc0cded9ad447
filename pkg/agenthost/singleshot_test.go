package agenthost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
)

func TestSingleShotHandler_ExtractsResultTag(t *testing.T) {
	dir := newTestWorkerDir(t)
	rt := newTestRuntime([]string{"some review notes\n<result>approve</result>"})
	handler := NewSingleShotHandler(rt, dir, 1)

	resultPath := filepath.Join(t.TempDir(), "result.json")
	err := handler(pipeline.StepContext{
		WorkerDir: dir.Workspace(), StepID: "review", ResultPath: resultPath,
		Config: map[string]any{"system_prompt": "sys", "user_prompt": "review this diff"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "\"gate_result\": \"approve\"")
}

func TestSingleShotHandler_NoResultTagIsDistinctGate(t *testing.T) {
	dir := newTestWorkerDir(t)
	rt := newTestRuntime([]string{"just some prose, no tags"})
	handler := NewSingleShotHandler(rt, dir, 1)

	resultPath := filepath.Join(t.TempDir(), "result.json")
	err := handler(pipeline.StepContext{
		WorkerDir: dir.Workspace(), StepID: "review", ResultPath: resultPath,
		Config: map[string]any{"system_prompt": "sys", "user_prompt": "review this diff"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "no_result_tag")
}
