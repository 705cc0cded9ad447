package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/kanban"
	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

func testSpec() *lifecycle.Spec {
	return &lifecycle.Spec{Transitions: []lifecycle.Transition{
		{From: "running", Event: EventWorkDone, To: "done", Kanban: "x"},
		{From: "running", Event: EventStepFailed, To: "running"},
		{From: "running", Event: EventWorkFailed, To: "failed", Kanban: "N"},
		{From: "running", Event: EventResolveDone, To: "merged", Kanban: "x"},
		{From: "running", Event: EventResolveFailed, To: "failed", Kanban: "N"},
		{From: "*", Event: "resume.work_done", To: "done", Kanban: "x"},
		{From: "*", Event: "resume.work_failed", To: "failed", Kanban: "N"},
	}}
}

// newTestWorker builds a Worker whose pipeline.Executor shares the exact
// same checkpoint.Store the Worker itself holds — Resume's recovery lookup
// and the executor's own per-step checkpoint writes must agree on one
// timeline, never two independently-rooted stores.
func newTestWorker(t *testing.T, handler pipeline.Handler) *Worker {
	t.Helper()
	root := t.TempDir()

	kanbanPath := filepath.Join(root, "kanban.md")
	require.NoError(t, os.WriteFile(kanbanPath, []byte(
		"- [=] **[TASK-001]** demo\n  Dependencies: none\n"), 0o644))
	kb := kanban.New(kanbanPath, "")

	dir := workerdir.New(root, "TASK-001", 1)
	cps := checkpoint.New(filepath.Join(dir.Path, "checkpoints"))

	exec := pipeline.NewExecutor(cps, nil)
	if handler != nil {
		require.NoError(t, exec.RegisterHandler("shell", handler))
	}

	engine := lifecycle.NewEngine(testSpec())

	w, err := New(Config{
		Dir:         dir,
		TaskID:      "TASK-001",
		RalphDir:    root,
		Epoch:       1,
		Engine:      engine,
		Kanban:      kb,
		Executor:    exec,
		Checkpoints: cps,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	return w
}

func writeHandlerResult(t *testing.T, path string, gate string) {
	t.Helper()
	data, err := json.Marshal(pipeline.Result{StepID: "build", Agent: "shell", GateResult: gate})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestStart_RunsPipelineToCompletionAndEmitsWorkDone(t *testing.T) {
	w := newTestWorker(t, func(ctx pipeline.StepContext) error {
		writeHandlerResult(t, ctx.ResultPath, "ok")
		return nil
	})

	p := pipeline.Pipeline{Name: "main", Steps: []pipeline.Step{
		{ID: "build", Agent: "shell", JumpMap: map[string]string{"ok": "next"}},
	}}

	result, err := w.Start(p, "running", "main")
	require.NoError(t, err)
	require.Equal(t, "ok", result.GateResult)

	st, err := w.GitState().GetState()
	require.NoError(t, err)
	require.Equal(t, "done", st.CurrentState)

	require.NoFileExists(t, w.Dir().AgentPIDPath())
}

func TestStart_AbortedStepEmitsStepFailedThenWorkFailed(t *testing.T) {
	w := newTestWorker(t, func(ctx pipeline.StepContext) error {
		writeHandlerResult(t, ctx.ResultPath, "broken")
		return nil
	})

	p := pipeline.Pipeline{Name: "main", Steps: []pipeline.Step{
		{ID: "build", Agent: "shell", JumpMap: map[string]string{"ok": "next"}},
	}}

	result, err := w.Start(p, "running", "main")
	require.NoError(t, err)
	require.Equal(t, "broken", result.GateResult)

	st, err := w.GitState().GetState()
	require.NoError(t, err)
	require.Equal(t, "failed", st.CurrentState)
	require.NotEmpty(t, st.LastError)
}

func TestStart_ResolvePipelineEmitsResolveDoneNotWorkDone(t *testing.T) {
	w := newTestWorker(t, func(ctx pipeline.StepContext) error {
		writeHandlerResult(t, ctx.ResultPath, "ok")
		return nil
	})

	p := pipeline.Pipeline{Name: "resolve", Steps: []pipeline.Step{
		{ID: "build", Agent: "shell", JumpMap: map[string]string{"ok": "next"}},
	}}

	_, err := w.Start(p, "running", "resolve")
	require.NoError(t, err)

	st, err := w.GitState().GetState()
	require.NoError(t, err)
	require.Equal(t, "merged", st.CurrentState)
}

func TestStart_ResolvePipelineAbortedEmitsResolveFailedNotWorkFailed(t *testing.T) {
	w := newTestWorker(t, func(ctx pipeline.StepContext) error {
		writeHandlerResult(t, ctx.ResultPath, "broken")
		return nil
	})

	p := pipeline.Pipeline{Name: "resolve", Steps: []pipeline.Step{
		{ID: "build", Agent: "shell", JumpMap: map[string]string{"ok": "next"}},
	}}

	_, err := w.Start(p, "running", "resolve")
	require.NoError(t, err)

	st, err := w.GitState().GetState()
	require.NoError(t, err)
	require.Equal(t, "failed", st.CurrentState)
}

func TestResume_CooldownSkipsDeciderEntirely(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.ResumeState().SetCooldown(3600))

	p := pipeline.Pipeline{Name: "main", Steps: []pipeline.Step{{ID: "build", Agent: "shell"}}}
	decision, skipped, err := w.Resume(p, "main")
	require.NoError(t, err)
	require.True(t, skipped)
	require.Equal(t, "DEFER", string(decision.Kind))
}

func TestResume_TerminalStateShortCircuits(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.ResumeState().SetTerminal("abort: unrecoverable"))

	p := pipeline.Pipeline{Name: "main", Steps: []pipeline.Step{{ID: "build", Agent: "shell"}}}
	decision, skipped, err := w.Resume(p, "main")
	require.NoError(t, err)
	require.False(t, skipped)
	require.Equal(t, "ABORT", string(decision.Kind))
}

func TestMarkInterrupted_FlagsLatestCheckpoint(t *testing.T) {
	w := newTestWorker(t, nil)

	cps := checkpoint.New(filepath.Join(w.Dir().Path, "checkpoints"))
	require.NoError(t, cps.Write(checkpoint.Checkpoint{RunID: w.RunID(), N: 1, StepID: "build"}))
	require.NoError(t, w.MarkInterrupted())

	cp, ok, err := cps.Latest(w.RunID())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cp.Interrupted)
}
