package agenthost

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
)

func TestShellHandler_WritesGateResultAndOutputs(t *testing.T) {
	handler := NewShellHandler(func(ctx pipeline.StepContext) (string, map[string]any, error) {
		return "ok", map[string]any{"position": 2}, nil
	})

	resultPath := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, handler(pipeline.StepContext{StepID: "batch-wait-turn", ResultPath: resultPath}))

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "\"gate_result\": \"ok\"")
}

func TestShellHandler_ErrorWritesErrorGate(t *testing.T) {
	handler := NewShellHandler(func(ctx pipeline.StepContext) (string, map[string]any, error) {
		return "", nil, errors.New("git fetch failed")
	})

	resultPath := filepath.Join(t.TempDir(), "result.json")
	require.NoError(t, handler(pipeline.StepContext{StepID: "git-sync", ResultPath: resultPath}))

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "git fetch failed")
}

func TestCommandHandler_RunsRealCommand(t *testing.T) {
	dir := t.TempDir()
	handler := NewCommandHandler()

	resultPath := filepath.Join(t.TempDir(), "result.json")
	err := handler(pipeline.StepContext{
		StepID: "echo", WorkerDir: dir, ResultPath: resultPath,
		Config: map[string]any{"command": "true"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "\"gate_result\": \"ok\"")
}

func TestCommandHandler_MissingCommandIsError(t *testing.T) {
	handler := NewCommandHandler()
	resultPath := filepath.Join(t.TempDir(), "result.json")
	err := handler(pipeline.StepContext{StepID: "echo", ResultPath: resultPath})
	require.NoError(t, err)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "missing \\\"command\\\"")
}
