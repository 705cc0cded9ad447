package lifecycle

import "github.com/orchestra/workload-orchestrator/pkg/gitstate"

// RuntimeContext is the ambient data every guard and effect can read,
// independent of the triggering event (§4.3: "worker_dir, task_id,
// ralph_dir, kanban_status").
type RuntimeContext struct {
	WorkerDir    string
	TaskID       string
	RalphDir     string
	KanbanStatus string
}

// GuardContext is passed to a guard function.
type GuardContext struct {
	RuntimeContext
	Event    string
	Data     map[string]any
	GitState *gitstate.State
}

// GuardFunc evaluates whether a matched transition may actually fire. Guards
// may have side effects (e.g. performing a rebase) and must be idempotent
// (§4.3).
type GuardFunc func(ctx GuardContext) (bool, error)

// EffectContext is passed to an effect handler, with its resolved (not
// templated) arguments.
type EffectContext struct {
	RuntimeContext
	Event string
	Data  map[string]any
	Args  map[string]any
}

// EffectFunc executes one named effect.
type EffectFunc func(ctx EffectContext) error
