package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/observability"
)

func writeResult(t *testing.T, path string, r Result) {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func resultPathFor(dir string) func(string) string {
	return func(stepID string) string {
		return filepath.Join(dir, stepID+".result.json")
	}
}

func TestRun_LinearHappyPath(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	e := NewExecutor(cps, nil)

	var seen []string
	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		seen = append(seen, ctx.StepID)
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "ok"})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "plan", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
			{ID: "execute", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
			{ID: "done", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
		},
	}

	result, lastStep, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.NoError(t, err)
	require.Equal(t, "", lastStep)
	require.Equal(t, "done", result.StepID)
	require.Equal(t, []string{"plan", "execute", "done"}, seen)
}

func TestRun_JumpMapRoutesBackward(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	e := NewExecutor(cps, nil)

	calls := map[string]int{}
	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		calls[ctx.StepID]++
		gate := "ok"
		if ctx.StepID == "test" && calls["test"] < 2 {
			gate = "fail"
		}
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: gate})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "execute", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
			{ID: "test", Agent: "agent", JumpMap: map[string]string{"ok": "next", "fail": "execute"}},
			{ID: "done", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
		},
	}

	_, _, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls["execute"])
	require.Equal(t, 2, calls["test"])
	require.Equal(t, 1, calls["done"])
}

func TestRun_AbortStopsPipeline(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	e := NewExecutor(cps, nil)

	var seen []string
	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		seen = append(seen, ctx.StepID)
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "fatal"})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "execute", Agent: "agent", JumpMap: map[string]string{"fatal": "abort"}},
			{ID: "never", Agent: "agent"},
		},
	}

	result, lastStep, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.NoError(t, err)
	require.Equal(t, "execute", lastStep)
	require.Equal(t, "fatal", result.GateResult)
	require.Equal(t, []string{"execute"}, seen)
}

func TestRun_LivelockGuardTrips(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	e := NewExecutor(cps, nil)
	e.maxJumps = 3

	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "loop"})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "only", Agent: "agent", JumpMap: map[string]string{"loop": "self"}},
		},
	}

	_, _, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.Error(t, err)
}

func TestRun_EnabledByFalseSkipsStep(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	e := NewExecutor(cps, nil)

	var seen []string
	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		seen = append(seen, ctx.StepID)
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "ok"})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "optional", Agent: "agent", EnabledBy: "want_review", JumpMap: map[string]string{"ok": "next"}},
			{ID: "done", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
		},
	}

	_, _, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
		Conditions: Conditions{"want_review": false},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"done"}, seen)
}

func TestRun_RetryBeforeRouting(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	e := NewExecutor(cps, nil)

	attempts := 0
	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		attempts++
		gate := "transient_error"
		if attempts >= 2 {
			gate = "ok"
		}
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: gate})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{
				ID: "flaky", Agent: "agent",
				JumpMap: map[string]string{"ok": "next", "transient_error": "abort"},
				Retry:   &StepRetry{MaxAttempts: 3, RetryableResults: []string{"transient_error"}},
			},
		},
	}

	result, lastStep, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.NoError(t, err)
	require.Equal(t, "", lastStep)
	require.Equal(t, "ok", result.GateResult)
	require.Equal(t, 2, attempts)
}

func TestRun_CommitAfterWritesCheckpointHash(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	committed := false
	e := NewExecutor(cps, func(workspace, message string) (string, error) {
		committed = true
		return "deadbeef", nil
	})

	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "ok"})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "execute", Agent: "agent", CommitAfter: true, JumpMap: map[string]string{"ok": "next"}},
		},
	}

	_, _, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.NoError(t, err)
	require.True(t, committed)

	latest, ok, err := cps.Latest("run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "deadbeef", latest.CommitHash)
}

func TestRun_ResumeFromMiddleStep(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))
	e := NewExecutor(cps, nil)

	var seen []string
	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		seen = append(seen, ctx.StepID)
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "ok"})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "plan", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
			{ID: "execute", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
			{ID: "done", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
		},
	}

	_, _, err := e.Run(p, RunOpts{
		WorkerDir:   dir,
		TaskID:      "T1",
		RunID:       "run-1",
		ResultPath:  resultPathFor(dir),
		StartAtStep: "execute",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"execute", "done"}, seen)
}

func TestRun_WithObservabilityRecordsStepSpans(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))

	obs, err := observability.NewManager(context.Background(), &observability.Config{
		Tracing: observability.TracingConfig{Enabled: true, LogFile: filepath.Join(dir, "trace.log")},
		Metrics: observability.MetricsConfig{Enabled: true},
	})
	require.NoError(t, err)
	defer obs.Shutdown(context.Background())

	e := NewExecutor(cps, nil).WithObservability(obs.Tracer(), obs.Metrics())

	var seen []string
	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		seen = append(seen, ctx.StepID)
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "ok"})
		return nil
	})))

	p := Pipeline{
		Name: "test",
		Steps: []Step{
			{ID: "plan", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
			{ID: "done", Agent: "agent", JumpMap: map[string]string{"ok": "next"}},
		},
	}

	_, _, err = e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"plan", "done"}, seen)
}

func TestRun_NilObservabilityIsSafe(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.New(filepath.Join(dir, "checkpoints"))

	var obs *observability.Manager // nil manager, as when tracing/metrics are disabled
	e := NewExecutor(cps, nil).WithObservability(obs.Tracer(), obs.Metrics())

	require.NoError(t, e.RegisterHandler("agent", Handler(func(ctx StepContext) error {
		writeResult(t, ctx.ResultPath, Result{StepID: ctx.StepID, GateResult: "ok"})
		return nil
	})))

	p := Pipeline{
		Name:  "test",
		Steps: []Step{{ID: "only", Agent: "agent", JumpMap: map[string]string{"ok": "next"}}},
	}

	_, _, err := e.Run(p, RunOpts{
		WorkerDir:  dir,
		TaskID:     "T1",
		RunID:      "run-1",
		ResultPath: resultPathFor(dir),
	})
	require.NoError(t, err)
}
