package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
)

const defaultKanban = `# Kanban

- [ ] **[TASK-001]** example task
  Description: Replace this with a real task before running orc.
  Priority: 0
  Dependencies: none
`

const defaultOrchestratorYAML = `pools:
  max_workers: 4
  max_priority_combined: 2
retry:
  max_retries: 3
backend:
  name: claude-cli
logging:
  level: info
schedule:
  tick_interval: 10s
observability:
  metrics:
    enabled: false
    endpoint: /metrics
    namespace: orc
services: []
`

// defaultPipeline is the stock main pipeline (§4.6, §4.7): plan, then an
// iterative ralph build loop, gated by whether the build's <result> tag
// reports done.
func defaultPipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "main",
		Steps: []pipeline.Step{
			{
				ID:    "plan",
				Agent: "single_shot",
				Config: map[string]any{
					"system_prompt": "You are planning a coding task. Read prd.md and produce a short implementation plan.",
				},
				JumpMap: map[string]string{"ok": "build"},
			},
			{
				ID:          "build",
				Agent:       "ralph",
				CommitAfter: true,
				Config: map[string]any{
					"max_iterations": 10,
					"max_turns":      8,
					"system_prompt":  "You are implementing prd.md. When finished, reply with <result>done</result>.",
				},
				JumpMap: map[string]string{"done": "review", "failed": "abort"},
			},
			{
				ID:    "review",
				Agent: "single_shot",
				Config: map[string]any{
					"system_prompt": "Review the diff against prd.md. Reply with <result>ok</result> or <result>changes_needed</result>.",
				},
				JumpMap: map[string]string{"ok": "next", "changes_needed": "build"},
			},
		},
	}
}

// defaultResolvePipeline is the stock resolve pipeline (§4.7, §4.10): a
// worker in needs_resolve runs it whether or not it is part of a conflict
// batch. Its first step, batch-wait-turn, is enabled_by "batch_mode" so it
// only runs at all for a worker with a batch-context.json (runner.Worker's
// batchConditions) — a lone conflicted worker skips straight to resolve.
// This is the one pipeline file backing both spec-named "resolve" and
// "multi-pr-resolve" workflows; see DESIGN.md for why that collapse is
// grounded in the already-built enabled_by mechanism rather than a second
// template.
func defaultResolvePipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "resolve",
		Steps: []pipeline.Step{
			{
				ID:        "wait_turn",
				Agent:     "batch_wait_turn",
				EnabledBy: "batch_mode",
				JumpMap:   map[string]string{"ready": "resolve"},
			},
			{
				ID:          "resolve",
				Agent:       "ralph",
				CommitAfter: true,
				Config: map[string]any{
					"max_iterations": 6,
					"max_turns":      8,
					"system_prompt":  "You are resolving a merge conflict against the default branch, optionally following a multi-PR resolution plan if one is present. When finished, reply with <result>done</result>.",
				},
				JumpMap: map[string]string{"done": "next"},
			},
		},
	}
}

// defaultLifecycleSpec is the transition table for the default pipeline
// (§4.3), registered against the guard/effect names guards.go and
// effects.go wire up.
func defaultLifecycleSpec() *lifecycle.Spec {
	return &lifecycle.Spec{Transitions: []lifecycle.Transition{
		{From: "spawned", Event: "worker.started", To: "running", Kanban: "="},
		{From: "running", Event: "work.done", To: "needs_merge", Kanban: "="},
		{From: "running", Event: "work.failed", To: "needs_fix", Kanban: "N"},
		{From: "needs_fix", Event: "work.done", To: "needs_merge"},
		{From: "needs_fix", Event: "work.failed", To: "needs_fix", Guard: "recovery_attempts_under_max"},
		{From: "needs_merge", Event: "merge.conflict", To: "needs_resolve",
			Effects: []lifecycle.EffectSpec{{Name: "sync_github_status", Args: map[string]any{"state": "conflict"}}}},
		{From: "needs_merge", Event: "merge.failed", To: "needs_merge", Guard: "merge_attempts_under_max"},
		{From: "needs_merge", Event: "merge.failed", To: "failed", Kanban: "N"},
		{From: "needs_resolve", Event: "resolve.done", To: "needs_merge", Guard: "rebase_onto_default_succeeds",
			Effects: []lifecycle.EffectSpec{{Name: "rm_conflict_queue_entry"}}},
		{From: "needs_resolve", Event: "resolve.done", To: "failed", Kanban: "N"},
		{From: "needs_resolve", Event: "resolve.failed", To: "needs_resolve", Guard: "recovery_attempts_under_max"},
		{From: "needs_resolve", Event: "resolve.failed", To: "failed", Kanban: "N"},
		{From: "needs_merge", Event: "merge.succeeded", To: "done", Kanban: "x",
			Effects: []lifecycle.EffectSpec{
				{Name: "mark_task_complete"},
				{Name: "sync_github_status", Args: map[string]any{"state": "merged"}},
				{Name: "cleanup_worktree"},
				{Name: "archive_worker"},
			}},
		{From: "needs_resolve", Event: "review.request_fix", To: "needs_fix", Kanban: "N"},
		{From: "needs_merge", Event: "review.request_fix", To: "needs_fix", Kanban: "N"},
		{From: "needs_merge", Event: "review.request_resolve", To: "needs_resolve"},
		{From: "*", Event: "review.sync",
			Effects: []lifecycle.EffectSpec{{Name: "sync_github_status", Args: map[string]any{"state": "resync"}}}},
	}}
}

// InitCmd scaffolds a fresh ralph directory (§6: worker directory layout's
// ralph-level siblings — kanban.md, orchestrator.yaml, the shared pipeline
// and lifecycle specs new workers are spawned against).
type InitCmd struct {
	Force bool `help:"Overwrite files that already exist."`
}

func (c *InitCmd) Run(cli *CLI) error {
	dir := cli.RalphDir
	if err := os.MkdirAll(filepath.Join(dir, "workers"), 0o755); err != nil {
		return errs.New("init.mkdir", errs.CodeInit, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "plans"), 0o755); err != nil {
		return errs.New("init.mkdir", errs.CodeInit, err)
	}

	writes := []struct {
		path string
		data []byte
	}{
		{filepath.Join(dir, "kanban.md"), []byte(defaultKanban)},
		{cli.configPath(), []byte(defaultOrchestratorYAML)},
	}

	pipelineJSON, err := json.MarshalIndent(defaultPipeline(), "", "  ")
	if err != nil {
		return errs.New("init.marshal_pipeline", errs.CodeInit, err)
	}
	writes = append(writes, struct {
		path string
		data []byte
	}{filepath.Join(dir, "pipeline-config.json"), pipelineJSON})

	resolvePipelineJSON, err := json.MarshalIndent(defaultResolvePipeline(), "", "  ")
	if err != nil {
		return errs.New("init.marshal_resolve_pipeline", errs.CodeInit, err)
	}
	writes = append(writes, struct {
		path string
		data []byte
	}{filepath.Join(dir, "pipeline-config.resolve.json"), resolvePipelineJSON})

	specJSON, err := json.MarshalIndent(defaultLifecycleSpec(), "", "  ")
	if err != nil {
		return errs.New("init.marshal_lifecycle", errs.CodeInit, err)
	}
	writes = append(writes, struct {
		path string
		data []byte
	}{filepath.Join(dir, "lifecycle-spec.json"), specJSON})

	for _, w := range writes {
		if !c.Force {
			if _, err := os.Stat(w.path); err == nil {
				fmt.Printf("skip %s (already exists)\n", w.path)
				continue
			}
		}
		if err := os.WriteFile(w.path, w.data, 0o644); err != nil {
			return errs.New("init.write", errs.CodeInit, err)
		}
		fmt.Printf("wrote %s\n", w.path)
	}

	return nil
}
