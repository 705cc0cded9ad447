package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/config"
	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/kanban"
	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/merge"
	"github.com/orchestra/workload-orchestrator/pkg/observability"
	"github.com/orchestra/workload-orchestrator/pkg/outbox"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// RunCmd runs the scheduler loop until interrupted (§4.10, §6). It owns no
// algorithm of its own: every tick is pkg/scheduler.Scheduler.Tick, driven
// by Hooks this command implements by spawning `orc worker start`/`orc
// worker resume` subprocesses and shelling out to git/gh.
type RunCmd struct {
	MaxWorkers   int           `default:"0" help:"Override orchestrator.yaml's pools.max_workers (0 keeps the config value)."`
	TickInterval time.Duration `default:"0s" help:"Override orchestrator.yaml's schedule.tick_interval (0 keeps the config value)."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.MaxWorkers > 0 {
		cfg.Pools.MaxWorkers = c.MaxWorkers
	}
	tick := cfg.Schedule.TickInterval
	if c.TickInterval > 0 {
		tick = c.TickInterval
	}
	if tick <= 0 {
		tick = 10 * time.Second
	}

	kanbanStore := buildKanban(cli)
	queue, err := scheduler.Load(filepath.Join(cli.RalphDir, "conflict-queue.json"))
	if err != nil {
		return errs.New("run.load_queue", errs.CodeOrchestration, err)
	}

	var client merge.GitHubClient
	if _, err := exec.LookPath("gh"); err == nil {
		client = newGHClient(cli.RalphDir)
	} else {
		slog.Warn("run: gh CLI not found on PATH, merge coordination disabled")
	}

	engine, err := buildEngine(cli, cfg, queue, client)
	if err != nil {
		return err
	}

	obs, err := buildObservability(context.Background(), cfg)
	if err != nil {
		return errs.New("run.observability", errs.CodeInit, err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Error("run: observability shutdown failed", "error", err)
		}
	}()

	svcSched := buildServiceScheduler(cli, cfg, obs.Metrics())
	if err := svcSched.Restore(); err != nil {
		slog.Error("run: service scheduler restore failed", "error", err)
	}

	statusHTTP := startStatusHTTPServer(cli, cfg, obs)
	defer func() {
		if err := statusHTTP.Shutdown(context.Background()); err != nil {
			slog.Error("run: status http server shutdown failed", "error", err)
		}
	}()

	sup := &supervisor{
		cli:     cli,
		cfg:     cfg,
		kanban:  kanbanStore,
		queue:   queue,
		engine:  engine,
		client:  client,
		metrics: obs.Metrics(),
	}

	sched := scheduler.New(kanbanStore, queue, scheduler.Config{
		MaxWorkers:        cfg.Pools.MaxWorkers,
		FixResolveLimit:   cfg.Pools.MaxPriorityCombined,
		KillCheckInterval: 2 * time.Second,
		WorkerTimeout:     cfg.Pools.StuckWorkerThreshold,
		MaxMergeAttempts:  cfg.Retry.MaxMergeAttempts,
	}, sup.hooks())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var dirChanged <-chan struct{}
	dirWatcher, err := startRalphDirWatcher(cli.RalphDir)
	if err != nil {
		slog.Warn("run: kanban/pipeline file watcher unavailable, relying on tick_interval polling", "error", err)
	} else {
		defer dirWatcher.Close()
		dirChanged = dirWatcher.Changed()
	}

	slog.Info("run: scheduler loop starting", "tick_interval", tick, "max_workers", cfg.Pools.MaxWorkers)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			if err := queue.Save(); err != nil {
				slog.Error("run: failed to persist conflict queue on shutdown", "error", err)
			}
			slog.Info("run: shutting down", "signal", sig)
			if sig == syscall.SIGTERM {
				return errs.New("run.terminated", errs.CodeSIGTERM, fmt.Errorf("received SIGTERM"))
			}
			return errs.New("run.interrupted", errs.CodeSIGINT, fmt.Errorf("received SIGINT"))
		case now := <-ticker.C:
			if err := sched.Tick(now); err != nil {
				slog.Error("run: tick failed", "error", err)
			}
			if err := queue.Save(); err != nil {
				slog.Error("run: failed to persist conflict queue", "error", err)
			}
			if err := svcSched.Tick(now); err != nil {
				slog.Error("run: service tick failed", "error", err)
			}
			sup.reportPoolMetrics()
		case <-dirChanged:
			slog.Info("run: kanban.md or pipeline-config.json changed, ticking early")
			if err := sched.Tick(time.Now()); err != nil {
				slog.Error("run: tick failed", "error", err)
			}
			if err := queue.Save(); err != nil {
				slog.Error("run: failed to persist conflict queue", "error", err)
			}
		}
	}
}

// supervisor implements scheduler.Hooks against real subprocesses, git
// worktrees, the lifecycle engine, and the GitHub client (§4.10, §4.11).
type supervisor struct {
	cli     *CLI
	cfg     *config.Config
	kanban  *kanban.Store
	queue   *scheduler.Queue
	engine  *lifecycle.Engine
	client  merge.GitHubClient
	metrics *observability.Metrics
}

func (s *supervisor) hooks() scheduler.Hooks {
	return scheduler.Hooks{
		SpawnMain:        s.spawnMain,
		TouchedFiles:     s.touchedFiles,
		ListNeedsFix:     func() ([]scheduler.WorkerRef, error) { return s.listByState("needs_fix") },
		ListNeedsResolve: func() ([]scheduler.WorkerRef, error) { return s.listByState("needs_resolve") },
		ListNeedsMerge:   func() ([]scheduler.WorkerRef, error) { return s.listByState("needs_merge") },
		SpawnFix:         s.spawnFix,
		SpawnResolve:     s.spawnResolve,
		AttemptMerge:     s.attemptMerge,
		OnMainSpawned:    s.onMainSpawned,
		OnMergeConflict:  s.onMergeConflict,
		OnMerged:         s.onMerged,
		OnMergeFailed:    s.onMergeFailed,
		IsAlive:          isAlivePID,
	}
}

func isAlivePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// spawnMain creates task's worktree and worker directory, then spawns `orc
// worker start` as a detached child process (§4.10 step 3, §6).
func (s *supervisor) spawnMain(task kanban.Task) (int, string, error) {
	epoch := time.Now().UnixNano()
	dir := workerdir.New(s.cli.RalphDir, task.ID, epoch)
	if err := dir.EnsureLayout(); err != nil {
		return 0, "", err
	}

	branch := "orc/" + task.ID
	if err := createWorktree(s.cli.RalphDir, dir.Workspace(), branch); err != nil {
		return 0, "", err
	}
	if err := os.WriteFile(dir.PRDPath(), []byte(task.Description), 0o644); err != nil {
		return 0, "", err
	}
	pipelinePath := filepath.Join(s.cli.RalphDir, "pipeline-config.json")
	if data, err := os.ReadFile(pipelinePath); err == nil {
		_ = os.WriteFile(dir.PipelineConfigPath(), data, 0o644)
	}

	// git-state.json starts in "spawned" here, synchronously, so the
	// supervisor can emit worker.started right after the child process
	// launches without racing the child's own Start() (which finds the
	// file already present and leaves it alone).
	if _, err := gitstate.New(dir.GitStatePath(), 0).Init(filepath.Base(dir.Path), task.ID, "spawned"); err != nil {
		return 0, "", err
	}

	pid, err := spawnOrc(s.cli, "worker", "start",
		"--dir", dir.Path,
		"--task", task.ID,
		"--epoch", strconv.FormatInt(epoch, 10))
	if err != nil {
		return 0, "", err
	}
	return pid, dir.Path, nil
}

func (s *supervisor) spawnFix(ref scheduler.WorkerRef) (int, error) {
	epoch, err := epochFromWorkerDir(ref.WorkerDir)
	if err != nil {
		return 0, err
	}
	return spawnOrc(s.cli, "worker", "resume",
		"--dir", ref.WorkerDir,
		"--task", ref.TaskID,
		"--epoch", strconv.FormatInt(epoch, 10))
}

// spawnResolve hands a needs_resolve worker the shared resolve pipeline
// (§4.7, §4.10) in place of the main one it ran to get here: batch != nil
// means this worker is one member of a multi-PR conflict batch, so a
// planner pass first writes batch-context.json (best-effort — a planner
// failure just means the worker resolves without hints, not that it's
// skipped), which the resolve pipeline's batch-wait-turn step will pick up.
// That step is itself enabled_by "batch_mode", so a lone conflicted worker
// (batch == nil) runs the same pipeline file straight through to the
// resolve step without ever blocking on a turn.
//
// This is a `worker start`, not a `worker resume`: the resolve pipeline has
// never run on this worker directory before, so it needs to begin at step
// 0 rather than be evaluated against the resume decider's "is the prior
// attempt already done" evidence (which would see the main pipeline's own
// completed PRD checklist and commits and wrongly call it COMPLETE without
// ever running a resolver). A fresh epoch keeps its checkpoints, logs, and
// result files from colliding with the main pipeline's run under the same
// worker directory; the scheduler's resolve-pool membership check
// (pkg/scheduler's `s.resolve.Has`) keeps this from double-spawning a
// resolver that's already running.
func (s *supervisor) spawnResolve(ref scheduler.WorkerRef, batch *scheduler.ConflictBatch) (int, error) {
	if batch != nil && s.client != nil {
		if err := s.planBatchContext(ref, batch); err != nil {
			slog.Warn("run: batch planner failed, resolving without hints", "batch", batch.ID, "error", err)
		}
	}
	if err := s.installResolvePipeline(ref); err != nil {
		return 0, err
	}
	epoch := time.Now().UnixNano()
	return spawnOrc(s.cli, "worker", "start",
		"--dir", ref.WorkerDir,
		"--task", ref.TaskID,
		"--epoch", strconv.FormatInt(epoch, 10),
		"--pipeline-name", "resolve")
}

// installResolvePipeline overwrites ref's worker-local pipeline-config.json
// with the ralph directory's shared resolve template, the same copy-on-
// spawn idiom spawnMain uses for the main pipeline.
func (s *supervisor) installResolvePipeline(ref scheduler.WorkerRef) error {
	data, err := os.ReadFile(filepath.Join(s.cli.RalphDir, "pipeline-config.resolve.json"))
	if err != nil {
		return fmt.Errorf("read resolve pipeline template: %w", err)
	}
	dir := workerdir.Open(ref.WorkerDir)
	if err := os.WriteFile(dir.PipelineConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("install resolve pipeline: %w", err)
	}
	return nil
}

// planBatchContext fans out comment/review fetches across every PR in
// batch (bounded, §4.11), runs the multi-PR planner agent over the result,
// and writes batch-context.json so the resolving worker's batch-wait-turn
// and resolve steps can read its hint (§4.10, §6).
func (s *supervisor) planBatchContext(ref scheduler.WorkerRef, batch *scheduler.ConflictBatch) error {
	coord := merge.NewCoordinator(s.client)

	prNumbers := make([]int, 0, len(batch.Members))
	prByTask := make(map[string]int, len(batch.Members))
	for _, taskID := range batch.Members {
		dir, err := findWorkerDir(s.cli, taskID)
		if err != nil {
			continue
		}
		if pr, ok := prNumberFromWorkerDir(dir.Path); ok {
			prNumbers = append(prNumbers, pr)
			prByTask[taskID] = pr
		}
	}
	if len(prNumbers) == 0 {
		return fmt.Errorf("no open PRs found for batch %s", batch.ID)
	}

	feedback, err := coord.FetchBatchFeedback(context.Background(), prNumbers)
	if err != nil {
		return fmt.Errorf("fetch batch feedback: %w", err)
	}

	dir, err := findWorkerDir(s.cli, ref.TaskID)
	if err != nil {
		return err
	}

	rt := buildRuntime(s.cfg)
	logPath := filepath.Join(dir.Path, "logs", "batch-plan.log")
	plan, err := merge.PlanBatch(context.Background(), rt, dir.Workspace(), logPath, 8, batch)
	if err != nil {
		return fmt.Errorf("plan batch: %w", err)
	}

	ctxData := struct {
		BatchID  string                `json:"batch_id"`
		Plan     merge.Plan            `json:"plan"`
		Feedback map[int]merge.Feedback `json:"feedback"`
		PRByTask map[string]int        `json:"pr_by_task"`
	}{BatchID: batch.ID, Plan: plan, Feedback: feedback, PRByTask: prByTask}

	data, err := json.MarshalIndent(ctxData, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal batch context: %w", err)
	}
	return os.WriteFile(dir.BatchContextPath(), data, 0o644)
}

func (s *supervisor) attemptMerge(ref scheduler.WorkerRef) (scheduler.MergeOutcome, error) {
	if s.client == nil {
		return scheduler.MergeOutcome{FailureMessage: "no github client configured"}, nil
	}
	prNumber, ok := prNumberFromWorkerDir(ref.WorkerDir)
	if !ok {
		return scheduler.MergeOutcome{FailureMessage: "no open PR recorded"}, nil
	}
	coord := merge.NewCoordinator(s.client)
	return coord.AttemptMerge(context.Background(), prNumber)
}

func (s *supervisor) touchedFiles(taskID string) ([]string, error) {
	planPath := filepath.Join(s.cli.RalphDir, "plans", taskID+".md")
	data, err := os.ReadFile(planPath)
	if err != nil {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			files = append(files, strings.TrimPrefix(line, "- "))
		}
	}
	return files, nil
}

// listByState scans workers/ for worker directories whose git-state.json
// current_state matches state.
func (s *supervisor) listByState(state string) ([]scheduler.WorkerRef, error) {
	root := filepath.Join(s.cli.RalphDir, "workers")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var refs []scheduler.WorkerRef
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := workerdir.Open(filepath.Join(root, e.Name()))
		st, err := gitstate.New(dir.GitStatePath(), 0).GetState()
		if err != nil || st.CurrentState != state {
			continue
		}
		batchID := ""
		for id, b := range s.queue.Batches {
			if b.ActiveMember() == st.TaskID {
				batchID = id
				break
			}
		}
		refs = append(refs, scheduler.WorkerRef{TaskID: st.TaskID, WorkerDir: dir.Path, BatchID: batchID})
	}
	return refs, nil
}

func (s *supervisor) onMainSpawned(task kanban.Task, workerDir string) {
	slog.Info("run: spawned main worker", "task", task.ID, "dir", workerDir)
	lw := s.lifecycleWorker(scheduler.WorkerRef{TaskID: task.ID, WorkerDir: workerDir})
	if _, err := s.engine.EmitEvent(lw, "worker.started", "supervisor", nil); err != nil {
		slog.Error("run: emit worker.started failed", "task", task.ID, "error", err)
	}
}

func (s *supervisor) onMergeConflict(ref scheduler.WorkerRef, files []string) {
	slog.Warn("run: merge conflict", "task", ref.TaskID, "files", files)
	s.metrics.RecordMergeAttempt("conflict")
	lw := s.lifecycleWorker(ref)
	if _, err := s.engine.EmitEvent(lw, "merge.conflict", "supervisor", map[string]any{"files": files}); err != nil {
		slog.Error("run: emit merge.conflict failed", "task", ref.TaskID, "error", err)
	}
}

func (s *supervisor) onMerged(ref scheduler.WorkerRef) {
	slog.Info("run: merged", "task", ref.TaskID)
	s.metrics.RecordMergeAttempt("success")
	lw := s.lifecycleWorker(ref)
	if _, err := s.engine.EmitEvent(lw, "merge.succeeded", "supervisor", nil); err != nil {
		slog.Error("run: emit merge.succeeded failed", "task", ref.TaskID, "error", err)
	}
}

func (s *supervisor) onMergeFailed(ref scheduler.WorkerRef, attempt int, exhausted bool) {
	slog.Warn("run: merge failed", "task", ref.TaskID, "attempt", attempt, "exhausted", exhausted)
	s.metrics.RecordMergeAttempt("failure")
	lw := s.lifecycleWorker(ref)
	// merge_attempts_under_max reads this same counter off git-state.json, so
	// the lifecycle guard converges with the scheduler's own exhausted check
	// instead of tracking attempts on a second, independent timeline.
	if _, err := lw.GitState.IncMergeAttempts(); err != nil {
		slog.Error("run: increment merge_attempts failed", "task", ref.TaskID, "error", err)
	}
	if _, err := s.engine.EmitEvent(lw, "merge.failed", "supervisor", map[string]any{"attempt": attempt}); err != nil {
		slog.Error("run: emit merge.failed failed", "task", ref.TaskID, "error", err)
	}
}

// reportPoolMetrics samples the worker pool each tick for the occupancy and
// conflict-batch gauges (§4.12: "Emits per-execution metrics").
func (s *supervisor) reportPoolMetrics() {
	for _, state := range []string{"running", "needs_fix", "needs_resolve", "needs_merge"} {
		refs, err := s.listByState(state)
		if err != nil {
			continue
		}
		s.metrics.SetActiveWorkers(state, len(refs))
	}
	s.metrics.SetConflictBatches(len(s.queue.Batches))
}

// lifecycleWorker builds the lifecycle.Worker view the supervisor emits
// merge events through, mirroring pkg/runner.Worker.lifecycleWorker's
// collaborator wiring for the supervisor's own out-of-process vantage
// point (§4.11).
func (s *supervisor) lifecycleWorker(ref scheduler.WorkerRef) lifecycle.Worker {
	dir := workerdir.Open(ref.WorkerDir)
	return lifecycle.Worker{
		TaskID:     ref.TaskID,
		GitState:   gitstate.New(dir.GitStatePath(), 0),
		Kanban:     s.kanban,
		Outbox:     outbox.New(dir.OutboxDir()),
		EventsPath: dir.EventsPath(),
		Context: lifecycle.RuntimeContext{
			WorkerDir: dir.Path,
			TaskID:    ref.TaskID,
			RalphDir:  s.cli.RalphDir,
		},
	}
}

// createWorktree adds a git worktree at workspace on a fresh branch
// (§4.10 step 3, §6: "workspace/ (a git worktree on a branch for this
// task)").
func createWorktree(ralphDir, workspace, branch string) error {
	cmd := exec.Command("git", "-C", ralphDir, "worktree", "add", "-b", branch, workspace)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, out)
	}
	return nil
}

// spawnOrc launches a detached `orc <args...>` subprocess carrying along
// cli's ralph-dir/config/verbosity flags (§6).
func spawnOrc(cli *CLI, args ...string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		self = "orc"
	}
	full := append([]string{"--ralph-dir", cli.RalphDir}, args...)
	cmd := exec.Command(self, full...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", strings.Join(full, " "), err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// epochFromWorkerDir recovers the spawn epoch encoded in a worker
// directory's basename ("worker-<TASK>-<epoch>").
func epochFromWorkerDir(workerDir string) (int64, error) {
	base := filepath.Base(workerDir)
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return 0, fmt.Errorf("run: cannot parse epoch from %q", base)
	}
	epoch, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("run: cannot parse epoch from %q: %w", base, err)
	}
	return epoch, nil
}
