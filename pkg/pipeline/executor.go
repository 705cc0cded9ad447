package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/observability"
	"github.com/orchestra/workload-orchestrator/pkg/registry"
)

// StepContext is everything a step handler needs: its own config, the
// environment the orchestrator sets for it (step_id, task_id, paths), and
// where to write its result file.
type StepContext struct {
	WorkerDir  string
	TaskID     string
	StepID     string
	Readonly   bool
	Config     map[string]any
	Env        map[string]string
	ResultPath string
}

// Handler runs one step's agent (ralph loop, single-shot agent, or shell
// action, §4.7) and writes its Result to ctx.ResultPath. The executor reads
// the file back rather than taking a return value directly, since a handler
// may itself be driving a child process whose own crash must still leave a
// readable result behind.
type Handler func(ctx StepContext) error

// CommitFunc commits the workspace after a commit_after step and returns
// the new commit hash.
type CommitFunc func(workspace, message string) (string, error)

// Conditions resolves a step's enabled_by name to a boolean. A name absent
// from the map is treated as enabled — enabled_by is opt-out, not opt-in.
type Conditions map[string]bool

func (c Conditions) enabled(name string) bool {
	if name == "" {
		return true
	}
	v, ok := c[name]
	return !ok || v
}

// maxJumpsDefault bounds routing jumps per pipeline run to prevent livelock
// (§4.6 step 4).
const maxJumpsDefault = 200

// Executor runs a Pipeline against one worker.
type Executor struct {
	handlers   registry.Registry[Handler]
	checkpoint *checkpoint.Store
	commit     CommitFunc
	maxJumps   int
	tracer     *observability.Tracer
	metrics    *observability.Metrics
}

// NewExecutor builds an Executor. checkpoints is the worker's checkpoint
// store; commit performs the workspace commit for commit_after steps.
func NewExecutor(checkpoints *checkpoint.Store, commit CommitFunc) *Executor {
	return &Executor{
		handlers:   registry.NewBaseRegistry[Handler](),
		checkpoint: checkpoints,
		commit:     commit,
		maxJumps:   maxJumpsDefault,
	}
}

// WithObservability attaches a tracer/metrics pair so each step execution
// opens a span and records its duration (§4.12-adjacent ambient telemetry;
// both arguments are nil-safe when observability is disabled).
func (e *Executor) WithObservability(tracer *observability.Tracer, metrics *observability.Metrics) *Executor {
	e.tracer = tracer
	e.metrics = metrics
	return e
}

// RegisterHandler adds a named step handler.
func (e *Executor) RegisterHandler(name string, h Handler) error {
	return e.handlers.Register(name, h)
}

// RunOpts parameterizes one Run call.
type RunOpts struct {
	WorkerDir   string
	TaskID      string
	RunID       string
	ResultPath  func(stepID string) string
	Conditions  Conditions
	StartAtStep string // resume point; "" means start at pipeline.Steps[0]
}

// Run executes pipeline against a worker, returning the last step's result
// (or the aborting step's result). The returned step id is that of the step
// where the run stopped early (a jump to "abort", or an error once a step has
// been picked); a run that completes past the last step returns "".
func (e *Executor) Run(pipeline Pipeline, opts RunOpts) (Result, string, error) {
	if len(pipeline.Steps) == 0 {
		return Result{}, "", errs.New("pipeline.run", errs.CodeGeneric, fmt.Errorf("pipeline %s has no steps", pipeline.Name))
	}

	idx := 0
	if opts.StartAtStep != "" {
		idx = pipeline.stepIndex(opts.StartAtStep)
		if idx < 0 {
			return Result{}, "", errs.New("pipeline.run", errs.CodeGeneric, fmt.Errorf("unknown resume step %q", opts.StartAtStep))
		}
	}

	var last Result
	jumps := 0
	checkpointN := 0

	for idx >= 0 && idx < len(pipeline.Steps) {
		step := pipeline.Steps[idx]

		if !opts.Conditions.enabled(step.EnabledBy) {
			idx++
			continue
		}

		checkpointN++
		if err := e.checkpoint.Write(checkpoint.Checkpoint{
			RunID: opts.RunID, N: checkpointN, StepID: step.ID,
		}); err != nil {
			return Result{}, step.ID, errs.New("pipeline.run", errs.CodeGeneric, err)
		}

		handler, ok := e.handlers.Get(step.Agent)
		if !ok {
			return Result{}, step.ID, errs.New("pipeline.run", errs.CodeGeneric, fmt.Errorf("unknown agent handler %q", step.Agent))
		}

		_, span := e.tracer.StartStepExecution(context.Background(), opts.TaskID, step.ID)
		started := time.Now()
		result, stepErr := e.runStepWithRetry(handler, step, opts)
		e.tracer.SetGateResult(span, result.GateResult)
		if stepErr != nil {
			e.tracer.RecordError(span, stepErr)
		}
		span.End()
		e.metrics.RecordStepExecution(step.ID, result.GateResult, time.Since(started))
		if stepErr != nil {
			return result, step.ID, errs.New("pipeline.run", errs.CodeGeneric, stepErr)
		}
		last = result

		if step.CommitAfter && !step.Readonly && e.commit != nil {
			hash, err := e.commit(opts.WorkerDir, fmt.Sprintf("step: %s", step.ID))
			if err != nil {
				return result, step.ID, errs.New("pipeline.run", errs.CodeGeneric, fmt.Errorf("commit after %s: %w", step.ID, err))
			}
			if err := e.checkpoint.Write(checkpoint.Checkpoint{
				RunID: opts.RunID, N: checkpointN, StepID: step.ID, CommitHash: hash,
			}); err != nil {
				return result, step.ID, errs.New("pipeline.run", errs.CodeGeneric, err)
			}
		}

		jump := resolveJump(step, pipeline, result.GateResult)
		jumps++
		if jumps > e.maxJumps {
			return result, step.ID, errs.New("pipeline.run", errs.CodeGeneric, fmt.Errorf("exceeded max jump count (%d) — possible livelock", e.maxJumps))
		}

		switch jump {
		case "next":
			idx++
		case "prev":
			idx--
		case "self":
			// stay at idx; jumps counter bounds repetition
		case "abort":
			return result, step.ID, nil
		default:
			target := pipeline.stepIndex(jump)
			if target < 0 {
				return result, step.ID, errs.New("pipeline.run", errs.CodeGeneric, fmt.Errorf("jump to unknown step %q", jump))
			}
			idx = target
		}
	}

	return last, "", nil
}

// builtinJumps are the gate-result mappings §3's data model guarantees even
// when a pipeline declares no jump_map/default_jump of its own: PASS and
// SKIP advance, FAIL aborts, FIX rewinds to the previous step for another
// pass. A pipeline's own jump_map/default_jump entries always take priority
// over these — they only fill in results neither map mentions.
var builtinJumps = map[string]string{
	"PASS": "next",
	"FAIL": "abort",
	"FIX":  "prev",
	"SKIP": "next",
}

// resolveJump looks up gateResult in the step's own jump_map, falling back
// to the pipeline's default_jump, then to the built-in PASS/FAIL/FIX/SKIP
// mappings, before defaulting to abort (§4.6 step 3, §3 data model).
func resolveJump(step Step, p Pipeline, gateResult string) string {
	if target, ok := step.JumpMap[gateResult]; ok {
		return target
	}
	if target, ok := p.DefaultJump[gateResult]; ok {
		return target
	}
	if target, ok := builtinJumps[gateResult]; ok {
		return target
	}
	return "abort"
}

// runStepWithRetry invokes handler, retrying up to step.Retry.MaxAttempts
// times while the gate result classifies as retryable (§4.6 step 6), before
// returning the final attempt's result for routing.
func (e *Executor) runStepWithRetry(handler Handler, step Step, opts RunOpts) (Result, error) {
	resultPath := opts.ResultPath(step.ID)
	env := map[string]string{
		"STEP_ID":    step.ID,
		"TASK_ID":    opts.TaskID,
		"WORKER_DIR": opts.WorkerDir,
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
	}

	var result Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := handler(StepContext{
			WorkerDir:  opts.WorkerDir,
			TaskID:     opts.TaskID,
			StepID:     step.ID,
			Readonly:   step.Readonly,
			Config:     step.Config,
			Env:        env,
			ResultPath: resultPath,
		}); err != nil {
			return Result{}, fmt.Errorf("step %s: %w", step.ID, err)
		}

		r, err := readResult(resultPath)
		if err != nil {
			return Result{}, err
		}
		result = r

		if attempt < maxAttempts && step.Retry.isRetryable(result.GateResult) {
			continue
		}
		break
	}
	return result, nil
}
