package lifecycle

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/kanban"
	"github.com/orchestra/workload-orchestrator/pkg/outbox"
)

func newTestWorker(t *testing.T) (Worker, *kanban.Store) {
	t.Helper()
	dir := t.TempDir()

	kanbanPath := filepath.Join(dir, "kanban.md")
	require.NoError(t, os.WriteFile(kanbanPath, []byte(
		"- [ ] **[TASK-001]** demo\n  Dependencies: none\n"), 0o644))
	kb := kanban.New(kanbanPath, "")

	gs := gitstate.New(filepath.Join(dir, "git-state.json"), 0)
	_, err := gs.Init("worker-TASK-001-1", "TASK-001", "running")
	require.NoError(t, err)

	ob := outbox.New(filepath.Join(dir, "effect-outbox"))

	return Worker{
		TaskID:     "TASK-001",
		GitState:   gs,
		Kanban:     kb,
		Outbox:     ob,
		EventsPath: filepath.Join(dir, "events.jsonl"),
		Context: RuntimeContext{
			WorkerDir: dir,
			TaskID:    "TASK-001",
			RalphDir:  filepath.Dir(dir),
		},
	}, kb
}

func simpleSpec() *Spec {
	return &Spec{Transitions: []Transition{
		{From: "running", Event: "merge.succeeded", To: "merged", Kanban: "x",
			Effects: []EffectSpec{{Name: "mark_task_complete"}}},
		{From: "running", Event: "merge.conflict", To: "merge_conflict", Chain: "interim",
			Effects: []EffectSpec{{Name: "record_conflict", Args: map[string]any{"file": "data.file"}}}},
	}}
}

func TestEmitEvent_MatchingTransitionUpdatesStateAndKanban(t *testing.T) {
	w, kb := newTestWorker(t)
	engine := NewEngine(simpleSpec())

	var ran []string
	require.NoError(t, engine.RegisterEffect("mark_task_complete", func(ctx EffectContext) error {
		ran = append(ran, ctx.TaskID)
		return nil
	}))

	result, err := engine.EmitEvent(w, "merge.succeeded", "merge-coordinator", nil)
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.Equal(t, "merged", result.ToState)
	require.Empty(t, result.EffectErrors)
	require.Equal(t, []string{"TASK-001"}, ran)

	st, err := w.GitState.GetState()
	require.NoError(t, err)
	require.Equal(t, "merged", st.CurrentState)

	tasks, err := kb.GetAllTasks()
	require.NoError(t, err)
	require.Equal(t, kanban.StatusDone, tasks[0].Status)
}

func TestEmitEvent_NoMatchIsNoOp(t *testing.T) {
	w, _ := newTestWorker(t)
	engine := NewEngine(simpleSpec())
	require.NoError(t, engine.RegisterEffect("mark_task_complete", func(EffectContext) error { return nil }))

	_, err := engine.EmitEvent(w, "merge.succeeded", "x", nil)
	require.NoError(t, err)

	// Second emission: worker is now "merged", no transition matches
	// "merge.succeeded" from "merged" -> idempotent no-op.
	result, err := engine.EmitEvent(w, "merge.succeeded", "x", nil)
	require.NoError(t, err)
	require.False(t, result.Matched)

	st, err := w.GitState.GetState()
	require.NoError(t, err)
	require.Equal(t, "merged", st.CurrentState)
}

func TestEmitEvent_ChainWritesInterimHistoryEntry(t *testing.T) {
	w, _ := newTestWorker(t)
	engine := NewEngine(simpleSpec())
	require.NoError(t, engine.RegisterEffect("record_conflict", func(EffectContext) error { return nil }))

	_, err := engine.EmitEvent(w, "merge.conflict", "merge-coordinator", map[string]any{"file": "src/api.ts"})
	require.NoError(t, err)

	st, err := w.GitState.GetState()
	require.NoError(t, err)
	require.Equal(t, "merge_conflict", st.CurrentState)
	require.Len(t, st.History, 2)
	require.Equal(t, "interim", st.History[0].To)
	require.Equal(t, "merge_conflict", st.History[1].To)
}

func TestEmitEvent_AppendsEventBeforeEffects(t *testing.T) {
	w, _ := newTestWorker(t)
	engine := NewEngine(simpleSpec())
	require.NoError(t, engine.RegisterEffect("mark_task_complete", func(EffectContext) error { return nil }))

	_, err := engine.EmitEvent(w, "merge.succeeded", "merge-coordinator", nil)
	require.NoError(t, err)

	f, err := os.Open(w.EventsPath)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, 1, lines)
}

func TestEmitEvent_FailingEffectLeftPendingForReplay(t *testing.T) {
	w, _ := newTestWorker(t)
	engine := NewEngine(simpleSpec())
	require.NoError(t, engine.RegisterEffect("mark_task_complete", func(EffectContext) error {
		return os.ErrPermission
	}))

	result, err := engine.EmitEvent(w, "merge.succeeded", "merge-coordinator", nil)
	require.NoError(t, err)
	require.Len(t, result.EffectErrors, 1)

	pending, err := w.Outbox.PendingEntries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "mark_task_complete", pending[0].EffectName)
}

func TestEmitEvent_UnknownGuardFails(t *testing.T) {
	w, _ := newTestWorker(t)
	engine := NewEngine(&Spec{Transitions: []Transition{
		{From: "running", Event: "e", To: "done", Guard: "nope"},
	}})
	_, err := engine.EmitEvent(w, "e", "src", nil)
	require.Error(t, err)
}
