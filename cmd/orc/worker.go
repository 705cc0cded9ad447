package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/config"
	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/observability"
	"github.com/orchestra/workload-orchestrator/pkg/resume"
	"github.com/orchestra/workload-orchestrator/pkg/runner"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// WorkerCmd groups the two entry points `orc run`'s scheduler spawns as
// child processes (§6: "worker <start|resume>").
type WorkerCmd struct {
	Start  WorkerStartCmd  `cmd:"" help:"Run a worker's pipeline from the beginning."`
	Resume WorkerResumeCmd `cmd:"" help:"Resume a crashed or restarted worker."`
}

// WorkerStartCmd runs one worker's main pipeline to completion or failure
// (§4.6). It is invoked with the worker directory already created (by the
// scheduler's SpawnMain hook, which creates the workspace worktree and
// writes prd.md/pipeline-config.json before spawning this process).
type WorkerStartCmd struct {
	Dir          string `required:"" help:"Path to the worker directory."`
	Task         string `required:"" help:"Task ID this worker is driving."`
	Epoch        int64  `required:"" help:"Spawn epoch encoded in the worker directory name."`
	Source       string `default:"running" help:"Initial git-state.json lifecycle state."`
	PipelineName string `default:"main" help:"Name recorded in resume-state.json and reported in lifecycle events for this pipeline."`
}

func (c *WorkerStartCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	dir := workerdir.Open(c.Dir)
	p, err := loadPipelineFor(dir)
	if err != nil {
		return err
	}

	obs, err := buildWorkerObservability(cfg, dir)
	if err != nil {
		return errs.New("worker.observability", errs.CodeInit, err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Error("worker: observability shutdown failed", "error", err)
		}
	}()

	w, err := buildWorker(cli, cfg, dir, c.Task, c.Epoch, obs)
	if err != nil {
		return err
	}

	result, err := w.Start(p, c.Source, c.PipelineName)
	if err != nil {
		return errs.New("worker.start", errs.CodeWorkerStart, err)
	}
	slog.Info("worker: pipeline finished", "task", c.Task, "gate_result", result.GateResult, "step", result.StepID)
	return nil
}

// WorkerResumeCmd drives the resume decider against an existing worker
// directory and, for a RETRY verdict, continues the pipeline (§4.8, §4.9).
// Its exit code carries the decision per the spec's reserved resume range
// (65 abort, 66 defer, 67 complete; a retry that runs to completion exits
// through the same codes pipeline execution itself would use).
type WorkerResumeCmd struct {
	Dir          string `required:"" help:"Path to the worker directory."`
	Task         string `required:"" help:"Task ID this worker is driving."`
	Epoch        int64  `required:"" help:"Spawn epoch encoded in the worker directory name."`
	PipelineName string `default:"main" help:"Name recorded in resume-state.json for this pipeline."`
}

func (c *WorkerResumeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	dir := workerdir.Open(c.Dir)
	p, err := loadPipelineFor(dir)
	if err != nil {
		return err
	}

	obs, err := buildWorkerObservability(cfg, dir)
	if err != nil {
		return errs.New("worker.observability", errs.CodeInit, err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Error("worker: observability shutdown failed", "error", err)
		}
	}()

	w, err := buildWorker(cli, cfg, dir, c.Task, c.Epoch, obs)
	if err != nil {
		return err
	}

	decision, cooldownSkip, err := w.Resume(p, c.PipelineName)
	if err != nil {
		return errs.New("worker.resume", errs.CodeOrchestration, err)
	}
	if cooldownSkip {
		slog.Info("worker: still cooling down, skipped", "task", c.Task)
		return errs.New("worker.resume", errs.CodeResumeDefer, fmt.Errorf("cooldown"))
	}

	slog.Info("worker: resume decision", "task", c.Task, "kind", decision.Kind, "reason", decision.Reason)
	switch decision.Kind {
	case resume.Complete:
		return errs.New("worker.resume", errs.CodeResumeComplete, fmt.Errorf("%s", decision.Reason))
	case resume.Abort:
		return errs.New("worker.resume", errs.CodeResumeAbort, fmt.Errorf("%s", decision.Reason))
	case resume.Defer:
		return errs.New("worker.resume", errs.CodeResumeDefer, fmt.Errorf("%s", decision.Reason))
	default:
		return nil
	}
}

// buildWorker assembles a runner.Worker over dir: the backend runtime, the
// pipeline executor with every agent handler registered, and the lifecycle
// engine with every named guard/effect registered (§4.5-§4.8). The worker
// subprocess has no conflict queue or GitHub client object of its own —
// lifecycle effects only fire from transitions `orc run`'s own supervisor
// loop triggers, never from a worker process's own Start/Resume path, so
// both are passed as nil to buildEngine. The "batch_wait_turn" pipeline
// handler is the one exception: it reads conflict-queue.json straight off
// disk each poll tick rather than needing an in-memory *scheduler.Queue.
func buildWorker(cli *CLI, cfg *config.Config, dir *workerdir.Dir, taskID string, epoch int64, obs *observability.Manager) (*runner.Worker, error) {
	engine, err := buildEngine(cli, cfg, nil, nil)
	if err != nil {
		return nil, err
	}

	rt := buildRuntime(cfg)
	cps := checkpoint.New(filepath.Join(dir.Path, "checkpoints"))
	runID := fmt.Sprintf("%d", epoch)

	executor, err := buildExecutor(cfg, rt, cps, dir, runID, epoch, obs)
	if err != nil {
		return nil, errs.New("worker.build_executor", errs.CodeWorkerStart, err)
	}

	return runner.New(runner.Config{
		Dir:         dir,
		TaskID:      taskID,
		RalphDir:    cli.RalphDir,
		Epoch:       epoch,
		Engine:      engine,
		Kanban:      buildKanban(cli),
		Executor:    executor,
		Checkpoints: cps,
		MaxAttempts: maxResumeAttempts(cfg),
	})
}

// buildWorkerObservability builds the worker subprocess's own tracer/metrics
// manager. A worker never serves /metrics itself — it traces into its own
// worker.log unless the operator's config already points tracing elsewhere,
// so a running pipeline's spans land next to the agent transcripts a
// developer would already be tailing (§4.12).
func buildWorkerObservability(cfg *config.Config, dir *workerdir.Dir) (*observability.Manager, error) {
	obsCfg := cfg.Observability
	if obsCfg.Tracing.LogFile == "" {
		obsCfg.Tracing.LogFile = dir.WorkerLogPath()
	}
	return observability.NewManager(context.Background(), &obsCfg)
}

func maxResumeAttempts(cfg *config.Config) int {
	if cfg.Retry.MaxRetries > 0 {
		return cfg.Retry.MaxRetries
	}
	return 3
}
