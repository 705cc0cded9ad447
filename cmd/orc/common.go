package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/agenthost"
	"github.com/orchestra/workload-orchestrator/pkg/backend"
	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/config"
	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/kanban"
	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/merge"
	"github.com/orchestra/workload-orchestrator/pkg/observability"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// loadConfig reads cli's orchestrator.yaml (§6: orc init scaffolds it). A
// missing or invalid file is returned as an init error; there is no
// fallback to bare defaults.
func loadConfig(cli *CLI) (*config.Config, error) {
	loader := config.NewLoader(cli.configPath(), nil)
	defer loader.Close()
	cfg, err := loader.Load(context.Background())
	if err != nil {
		return nil, errs.New("config.load", errs.CodeInit, err)
	}
	return cfg, nil
}

// buildKanban opens the kanban store at <ralph-dir>/kanban.md.
func buildKanban(cli *CLI) *kanban.Store {
	return kanban.New(filepath.Join(cli.RalphDir, "kanban.md"), filepath.Join(cli.RalphDir, "plans"))
}

// buildRuntime selects and wraps the configured AI CLI backend (§4.5).
func buildRuntime(cfg *config.Config) *backend.Runtime {
	var b backend.Backend
	switch cfg.Backend.Name {
	case "claude-cli", "":
		b = backend.NewClaudeCLI("")
	default:
		b = backend.NewClaudeCLI(cfg.Backend.Name)
	}
	prompts := backend.PromptWrappers{
		PreSystem:  cfg.Prompts.PreSystem,
		PostSystem: cfg.Prompts.PostSystem,
		PreUser:    cfg.Prompts.PreUser,
		PostUser:   cfg.Prompts.PostUser,
	}
	retryCfg := backend.RetryConfig{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}
	return backend.NewRuntime(b, prompts, retryCfg)
}

// gitCommit is the pipeline.CommitFunc every step with commit_after: true
// runs after its handler succeeds (§4.6).
func gitCommit(workspace, message string) (string, error) {
	add := exec.Command("git", "-C", workspace, "add", "-A")
	if out, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git add: %w: %s", err, out)
	}
	commit := exec.Command("git", "-C", workspace, "commit", "--allow-empty", "-m", message)
	if out, err := commit.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git commit: %w: %s", err, out)
	}
	rev := exec.Command("git", "-C", workspace, "rev-parse", "HEAD")
	var out bytes.Buffer
	rev.Stdout = &out
	if err := rev.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

// batchWaitTurnPollInterval is how often the "batch_wait_turn" handler
// re-reads conflict-queue.json from disk while waiting its turn.
const batchWaitTurnPollInterval = 2 * time.Second

// buildExecutor constructs a pipeline.Executor with every agent handler the
// default pipeline (and any hand-authored one) may reference (§4.6, §4.7).
func buildExecutor(cfg *config.Config, rt *backend.Runtime, cps *checkpoint.Store, dir *workerdir.Dir, runID string, epoch int64, obs *observability.Manager) (*pipeline.Executor, error) {
	executor := pipeline.NewExecutor(cps, gitCommit).WithObservability(obs.Tracer(), obs.Metrics())

	if err := executor.RegisterHandler("single_shot", agenthost.NewSingleShotHandler(rt, dir, epoch)); err != nil {
		return nil, err
	}
	if err := executor.RegisterHandler("ralph", agenthost.NewRalphHandler(rt, cps, dir, runID, epoch)); err != nil {
		return nil, err
	}
	if err := executor.RegisterHandler("command", agenthost.NewCommandHandler()); err != nil {
		return nil, err
	}
	queuePath := filepath.Join(dir.RalphDir(), "conflict-queue.json")
	waitTurn := merge.NewWaitTurnHandlerFromDisk(dir.BatchContextPath(), queuePath, batchWaitTurnPollInterval, cfg.Pools.ResolveTimeout)
	if err := executor.RegisterHandler("batch_wait_turn", waitTurn); err != nil {
		return nil, err
	}
	return executor, nil
}

// buildEngine loads the shared lifecycle spec and wires every named guard
// and effect against it (§4.3). queue and client may be nil; the
// conflict-queue and GitHub-status effects then no-op.
func buildEngine(cli *CLI, cfg *config.Config, queue *scheduler.Queue, client merge.GitHubClient) (*lifecycle.Engine, error) {
	specPath := filepath.Join(cli.RalphDir, "lifecycle-spec.json")
	spec, err := lifecycle.LoadSpec(specPath)
	if err != nil {
		return nil, errs.New("lifecycle.load_spec", errs.CodeInit, err)
	}
	engine := lifecycle.NewEngine(spec)

	if err := registerGuards(engine, cfg.Retry.MaxMergeAttempts, 3); err != nil {
		return nil, errs.New("lifecycle.register_guards", errs.CodeInit, err)
	}
	if err := registerEffects(engine, queue, client); err != nil {
		return nil, errs.New("lifecycle.register_effects", errs.CodeInit, err)
	}
	return engine, nil
}

func loadPipelineFor(dir *workerdir.Dir) (pipeline.Pipeline, error) {
	path := dir.PipelineConfigPath()
	if _, err := os.Stat(path); err != nil {
		return pipeline.Pipeline{}, errs.New("pipeline.load", errs.CodeWorkerStart, err)
	}
	return pipeline.Load(path)
}
