// Package runner drives a single worker process through its declared
// pipeline (§4.6) and, on restart, through the resume decider (§4.8). It is
// the glue the `worker start`/`worker resume` CLI subcommands (§6) invoke:
// everything it touches — the pipeline executor, the lifecycle engine, the
// checkpoint/resume-state stores — is built and injected by the caller, the
// same executor-plus-result-routing idiom the teacher's pkg/runner used for
// its own agent-tree session driver, generalized here to one OS process
// running one pipeline instead of one in-process conversational session.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/kanban"
	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/outbox"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/resume"
	"github.com/orchestra/workload-orchestrator/pkg/resumestate"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// Lifecycle event names the runner emits itself (§4.8: "lifecycle event
// work.done" / "work.failed"; §7: "lifecycle step.failed"). The resolve and
// multi-resolve pipelines close out over their own resolve.done/
// resolve.failed pair instead, so the needs_resolve state only advances on
// an actual resolver run rather than on any pipeline's generic completion.
const (
	EventStepFailed    = "step.failed"
	EventWorkDone      = "work.done"
	EventWorkFailed    = "work.failed"
	EventResolveDone   = "resolve.done"
	EventResolveFailed = "resolve.failed"
)

// eventNamesForPipeline picks the done/failed lifecycle event pair a
// completed run of the named pipeline reports. pipelineName is the same
// name threaded through from `worker resume --pipeline-name` (or "main" for
// a fresh `worker start`); anything other than the resolve pipelines falls
// back to the ordinary work.done/work.failed pair.
func eventNamesForPipeline(pipelineName string) (done, failed string) {
	switch pipelineName {
	case "resolve", "multi_resolve":
		return EventResolveDone, EventResolveFailed
	default:
		return EventWorkDone, EventWorkFailed
	}
}

// defaultCooldownSeconds is how long a DEFER decision keeps a worker out of
// the resume rotation before it is reconsidered (§4.9).
const defaultCooldownSeconds = 300

// Config bundles everything needed to drive one worker directory. The
// pipeline executor (with handlers already registered) and the lifecycle
// engine (with guards/effects already registered) are built by the caller —
// the worker only sequences calls into them.
type Config struct {
	Dir         *workerdir.Dir
	TaskID      string
	RalphDir    string
	Epoch       int64
	Engine      *lifecycle.Engine
	Kanban      *kanban.Store
	Executor    *pipeline.Executor
	Checkpoints *checkpoint.Store
	MaxAttempts int // resume-state max_attempts ceiling (§4.9)
}

// Worker bundles one worker directory's collaborators and exposes the
// Start/Resume entry points the CLI surface wires to `worker start` and
// `worker resume`.
type Worker struct {
	dir         *workerdir.Dir
	taskID      string
	ralphDir    string
	epoch       int64
	engine      *lifecycle.Engine
	kanban      *kanban.Store
	executor    *pipeline.Executor
	gitState    *gitstate.Store
	resumeState *resumestate.Store
	checkpoints *checkpoint.Store
	outbox      *outbox.Outbox
}

// New builds a Worker over cfg, creating the worker directory layout if it
// is not already present.
func New(cfg Config) (*Worker, error) {
	if err := cfg.Dir.EnsureLayout(); err != nil {
		return nil, errs.New("runner.new", errs.CodeWorkerStart, err)
	}
	w := &Worker{
		dir:         cfg.Dir,
		taskID:      cfg.TaskID,
		ralphDir:    cfg.RalphDir,
		epoch:       cfg.Epoch,
		engine:      cfg.Engine,
		kanban:      cfg.Kanban,
		executor:    cfg.Executor,
		gitState:    gitstate.New(cfg.Dir.GitStatePath(), 0),
		resumeState: resumestate.New(cfg.Dir.ResumeStatePath(), cfg.MaxAttempts),
		checkpoints: cfg.Checkpoints,
		outbox:      outbox.New(cfg.Dir.OutboxDir()),
	}
	return w, nil
}

// RunID identifies this worker process's pipeline.Executor.Run invocation
// for checkpointing purposes — the worker's spawn epoch, so a fresh run and
// every resumed run of the same worker share one recovery timeline.
func (w *Worker) RunID() string {
	return strconv.FormatInt(w.epoch, 10)
}

// lifecycleWorker builds the lifecycle.Worker view onto this worker's
// stores, for EmitEvent calls.
func (w *Worker) lifecycleWorker(kanbanStatus string) lifecycle.Worker {
	return lifecycle.Worker{
		TaskID:     w.taskID,
		GitState:   w.gitState,
		Kanban:     w.kanban,
		Outbox:     w.outbox,
		EventsPath: w.dir.EventsPath(),
		Context: lifecycle.RuntimeContext{
			WorkerDir:    w.dir.Path,
			TaskID:       w.taskID,
			RalphDir:     w.ralphDir,
			KanbanStatus: kanbanStatus,
		},
	}
}

// writePID records the calling process's PID at path, so doctor/status can
// tell a live worker from a stale one (workerdir.Dir.HasLiveAgent).
func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// batchConditions reads batch-context.json, when present, into the
// Conditions a pipeline's enabled_by steps gate on — a batch-wait-turn step
// is enabled_by "batch_mode" only for workers resolving as part of a
// conflict batch (§4.10, §6: "batch-context.json (present iff part of a
// conflict batch)").
func (w *Worker) batchConditions() pipeline.Conditions {
	if _, err := os.Stat(w.dir.BatchContextPath()); err != nil {
		return pipeline.Conditions{"batch_mode": false}
	}
	return pipeline.Conditions{"batch_mode": true}
}

// Start runs p fresh from its first step (§4.6), for a newly spawned
// worker whose git-state.json does not exist yet, or for handing an
// existing worker a different pipeline to run for the first time (e.g. the
// resolve pipeline installed over needs_resolve's worker directory) — a
// fresh run always starts at step 0 regardless of any other pipeline's
// checkpoints already recorded under an earlier epoch, so the caller picks
// a new epoch for that case (mirroring spawnMain's fresh-epoch spawn)
// rather than reusing the original one Resume would.
func (w *Worker) Start(p pipeline.Pipeline, initialState, pipelineName string) (pipeline.Result, error) {
	if _, err := w.gitState.GetState(); err != nil {
		if _, initErr := w.gitState.Init(filepath.Base(w.dir.Path), w.taskID, initialState); initErr != nil {
			return pipeline.Result{}, errs.New("runner.start", errs.CodeWorkerStart, initErr)
		}
	}
	if err := writePID(w.dir.AgentPIDPath()); err != nil {
		return pipeline.Result{}, errs.New("runner.start", errs.CodeWorkerStart, err)
	}
	defer os.Remove(w.dir.AgentPIDPath())

	return w.runPipeline(p, pipeline.RunOpts{
		WorkerDir:  w.dir.Workspace(),
		TaskID:     w.taskID,
		RunID:      w.RunID(),
		ResultPath: func(stepID string) string { return w.dir.ResultPath(w.epoch, stepID) },
		Conditions: w.batchConditions(),
	}, pipelineName)
}

// Resume decides what a restarting worker should do (§4.8) and, for a
// RETRY verdict, drives the pipeline from the recovered step. cooldownSkip
// reports whether the worker was left in its DEFER cooldown window and no
// decision was (re-)made.
func (w *Worker) Resume(p pipeline.Pipeline, pipelineName string) (decision resume.Decision, cooldownSkip bool, err error) {
	terminal, err := w.resumeState.IsTerminal()
	if err != nil {
		return resume.Decision{}, false, errs.New("runner.resume", errs.CodeOrchestration, err)
	}
	if terminal {
		st, readErr := w.resumeState.Read()
		if readErr != nil {
			return resume.Decision{}, false, errs.New("runner.resume", errs.CodeOrchestration, readErr)
		}
		return resume.Decision{Kind: resume.Abort, Reason: st.TerminalReason}, false, nil
	}
	cooling, err := w.resumeState.IsCooling()
	if err != nil {
		return resume.Decision{}, false, errs.New("runner.resume", errs.CodeOrchestration, err)
	}
	if cooling {
		return resume.Decision{Kind: resume.Defer, Reason: "worker is still within its cooldown window"}, true, nil
	}

	targetStep := w.lastAttemptedStep(p)
	decider := resume.NewDecider(w.checkpoints, p.StepIDs())
	decision, err = decider.Decide(w.dir, pipelineName, targetStep)
	if err != nil {
		return resume.Decision{}, false, errs.New("runner.resume", errs.CodeOrchestration, err)
	}

	lw := w.lifecycleWorker("")
	done, failed := eventNamesForPipeline(pipelineName)
	switch decision.Kind {
	case resume.Complete:
		if _, emitErr := w.engine.EmitEvent(lw, done, "resume", map[string]any{"reason": decision.Reason}); emitErr != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, emitErr)
		}
		if err := w.resumeState.SetTerminal("complete: " + decision.Reason); err != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, err)
		}
		return decision, false, nil

	case resume.Abort:
		if _, emitErr := w.engine.EmitEvent(lw, failed, "resume", map[string]any{"reason": decision.Reason}); emitErr != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, emitErr)
		}
		_ = w.gitState.SetError(decision.Reason)
		if err := w.resumeState.SetTerminal("abort: " + decision.Reason); err != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, err)
		}
		return decision, false, nil

	case resume.Defer:
		if err := w.resumeState.SetCooldown(defaultCooldownSeconds); err != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, err)
		}
		return decision, false, nil

	case resume.Retry:
		maxExceeded, err := w.resumeState.MaxExceeded()
		if err != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, err)
		}
		if maxExceeded {
			reason := "resume attempt ceiling reached"
			if _, emitErr := w.engine.EmitEvent(lw, failed, "resume", map[string]any{"reason": reason}); emitErr != nil {
				return decision, false, errs.New("runner.resume", errs.CodeOrchestration, emitErr)
			}
			if err := w.resumeState.SetTerminal(reason); err != nil {
				return decision, false, errs.New("runner.resume", errs.CodeOrchestration, err)
			}
			return resume.Decision{Kind: resume.Abort, Reason: reason}, false, nil
		}
		if err := w.resumeState.Increment(string(decision.Kind), decision.Pipeline, decision.Step, decision.Reason); err != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, err)
		}
		if err := writePID(w.dir.ResumePIDPath()); err != nil {
			return decision, false, errs.New("runner.resume", errs.CodeOrchestration, err)
		}
		defer os.Remove(w.dir.ResumePIDPath())

		if _, err := w.runPipeline(p, pipeline.RunOpts{
			WorkerDir:   w.dir.Workspace(),
			TaskID:      w.taskID,
			RunID:       w.RunID(),
			ResultPath:  func(stepID string) string { return w.dir.ResultPath(w.epoch, stepID) },
			Conditions:  w.batchConditions(),
			StartAtStep: decision.Step,
		}, pipelineName); err != nil {
			return decision, false, err
		}
		return decision, false, nil

	default:
		return decision, false, errs.New("runner.resume", errs.CodeOrchestration, fmt.Errorf("unknown resume decision kind %q", decision.Kind))
	}
}

// runPipeline runs p via the executor and classifies the outcome into the
// lifecycle events §4.8/§7 name: a step that routed to "abort" mid-pipeline
// emits step.failed then a failure event; a run that reaches the end of the
// declared steps emits a completion event; an executor-level error (not a
// gate result — e.g. an unknown handler) also emits the failure event. Which
// pair of events fires depends on pipelineName (see eventNamesForPipeline):
// the resolve pipelines report over resolve.done/resolve.failed instead of
// work.done/work.failed, since their outcome advances the needs_resolve
// state rather than needs_fix's.
func (w *Worker) runPipeline(p pipeline.Pipeline, opts pipeline.RunOpts, pipelineName string) (pipeline.Result, error) {
	result, abortedAt, err := w.executor.Run(p, opts)
	lw := w.lifecycleWorker("")
	done, failed := eventNamesForPipeline(pipelineName)

	if err != nil {
		_ = w.gitState.SetError(err.Error())
		_, _ = w.gitState.IncRecoveryAttempts()
		if _, emitErr := w.engine.EmitEvent(lw, failed, "pipeline", map[string]any{"reason": err.Error()}); emitErr != nil {
			return result, errs.New("runner.run_pipeline", errs.CodeOrchestration, emitErr)
		}
		return result, errs.New("runner.run_pipeline", errs.CodeOrchestration, err)
	}

	if abortedAt != "" {
		data := map[string]any{"step_id": abortedAt, "gate_result": result.GateResult}
		if _, emitErr := w.engine.EmitEvent(lw, EventStepFailed, "pipeline", data); emitErr != nil {
			return result, errs.New("runner.run_pipeline", errs.CodeOrchestration, emitErr)
		}
		_ = w.gitState.SetError(fmt.Sprintf("step %s aborted with gate result %q", abortedAt, result.GateResult))
		_, _ = w.gitState.IncRecoveryAttempts()
		if _, emitErr := w.engine.EmitEvent(lw, failed, "pipeline", data); emitErr != nil {
			return result, errs.New("runner.run_pipeline", errs.CodeOrchestration, emitErr)
		}
		return result, nil
	}

	if _, emitErr := w.engine.EmitEvent(lw, done, "pipeline", map[string]any{"step_id": result.StepID, "gate_result": result.GateResult}); emitErr != nil {
		return result, errs.New("runner.run_pipeline", errs.CodeOrchestration, emitErr)
	}
	return result, nil
}

// lastAttemptedStep recovers the step a prior, interrupted run was on: the
// most recent checkpoint across every run directory, falling back to the
// pipeline's first step when no checkpoint exists yet (a worker that never
// got past spawn).
func (w *Worker) lastAttemptedStep(p pipeline.Pipeline) string {
	runs, err := w.checkpoints.ListRuns()
	if err != nil || len(runs) == 0 {
		if len(p.Steps) > 0 {
			return p.Steps[0].ID
		}
		return ""
	}
	var latest checkpoint.Checkpoint
	found := false
	for _, runID := range runs {
		cp, ok, err := w.checkpoints.Latest(runID)
		if err != nil || !ok {
			continue
		}
		if !found || cp.Timestamp.After(latest.Timestamp) {
			latest = cp
			found = true
		}
	}
	if !found {
		if len(p.Steps) > 0 {
			return p.Steps[0].ID
		}
		return ""
	}
	return latest.StepID
}

// MarkInterrupted records the current run's checkpoint as interrupted, the
// crash-safety step a SIGINT/SIGTERM handler takes before exiting with the
// signal's conventional code (§5). The effect outbox itself needs no
// explicit flush here: the lifecycle engine replays any pending effects
// left from a prior batch before it next runs a directory-mutating effect
// (pkg/lifecycle's flushOutboxOnce), so a worker resumed after a kill -9
// picks its pending effects back up automatically on its next EmitEvent.
func (w *Worker) MarkInterrupted() error {
	if err := w.checkpoints.MarkInterrupted(w.RunID()); err != nil {
		return errs.New("runner.mark_interrupted", errs.CodeGeneric, err)
	}
	return nil
}

// GitState exposes the worker's git-state store for callers (e.g. `status`)
// that need to read lifecycle state without going through EmitEvent.
func (w *Worker) GitState() *gitstate.Store { return w.gitState }

// ResumeState exposes the worker's resume-state store.
func (w *Worker) ResumeState() *resumestate.Store { return w.resumeState }

// Dir exposes the worker's directory handle.
func (w *Worker) Dir() *workerdir.Dir { return w.dir }
