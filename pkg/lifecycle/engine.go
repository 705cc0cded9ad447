// Package lifecycle is the worker lifecycle state machine and event engine
// (§4.3) — the most important algorithmic component of the orchestrator. It
// is a pure data-driven state machine, loaded once from a JSON transition
// spec, whose single public operation, EmitEvent, replaces every ad-hoc
// state change elsewhere in the codebase. The generic handler-lookup idiom
// (named guards and effects resolved through a registry rather than type
// switches) is grounded on the teacher's pkg/registry.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/kanban"
	"github.com/orchestra/workload-orchestrator/pkg/outbox"
	"github.com/orchestra/workload-orchestrator/pkg/registry"
)

// directoryMutatingEffects names effects known to move or archive the
// worker directory. Before one of these runs, the engine flushes any prior
// pending effects so a crash mid-move never strands them (§4.3: "Crash
// safety of effects").
var directoryMutatingEffects = map[string]bool{
	"cleanup_worktree": true,
	"archive_worker":   true,
}

// Worker bundles the per-worker collaborators EmitEvent needs: its
// git-state store, the shared kanban store, its effect outbox, the path to
// its events.jsonl, and the ambient runtime context effects/guards can read.
type Worker struct {
	TaskID     string
	GitState   *gitstate.Store
	Kanban     *kanban.Store
	Outbox     *outbox.Outbox
	EventsPath string
	Context    RuntimeContext
}

// Result reports what EmitEvent actually did.
type Result struct {
	Matched      bool
	Transition   Transition
	FromState    string
	ToState      string
	EffectErrors []error
}

// Engine evaluates the transition spec against emitted events.
type Engine struct {
	spec    *Spec
	guards  registry.Registry[GuardFunc]
	effects registry.Registry[EffectFunc]

	mu        sync.Mutex
	replaying map[string]bool // worker dir -> already flushing, re-entry guard
}

// NewEngine builds an Engine over spec, with empty guard and effect
// registries (callers register handlers via RegisterGuard/RegisterEffect).
func NewEngine(spec *Spec) *Engine {
	return &Engine{
		spec:      spec,
		guards:    registry.NewBaseRegistry[GuardFunc](),
		effects:   registry.NewBaseRegistry[EffectFunc](),
		replaying: make(map[string]bool),
	}
}

// RegisterGuard adds a named guard, callable from a transition's "guard"
// field.
func (e *Engine) RegisterGuard(name string, fn GuardFunc) error {
	return e.guards.Register(name, fn)
}

// RegisterEffect adds a named effect handler.
func (e *Engine) RegisterEffect(name string, fn EffectFunc) error {
	return e.effects.Register(name, fn)
}

// EmitEvent is the engine's single public operation (§4.3). It is a no-op
// (Result.Matched == false) when no transition spec row matches the
// worker's current state and event — e.g. re-emitting "merge.succeeded" on
// an already-merged worker — which makes emission idempotent by
// construction.
func (e *Engine) EmitEvent(w Worker, event, source string, data map[string]any) (*Result, error) {
	st, err := w.GitState.GetState()
	if err != nil {
		return nil, errs.New("lifecycle.emit_event", errs.CodeGeneric, err)
	}
	current := st.CurrentState

	transition, matched, err := e.findMatch(w, current, event, data)
	if err != nil {
		return nil, errs.New("lifecycle.emit_event", errs.CodeGeneric, err)
	}
	if !matched {
		return &Result{Matched: false, FromState: current}, nil
	}

	if transition.Chain != "" {
		if _, err := w.GitState.SetState(transition.Chain, source, "chain:"+event); err != nil {
			return nil, errs.New("lifecycle.emit_event", errs.CodeGeneric, err)
		}
	}

	toState := current
	if transition.To != "" {
		if _, err := w.GitState.SetState(transition.To, source, event); err != nil {
			return nil, errs.New("lifecycle.emit_event", errs.CodeGeneric, err)
		}
		toState = transition.To
	}

	if transition.Kanban != "" {
		status := kanban.Status(transition.Kanban[0])
		if err := w.Kanban.SetStatus(w.TaskID, status); err != nil {
			return nil, errs.New("lifecycle.emit_event", errs.CodeGeneric, err)
		}
	}

	if err := appendEvent(w.EventsPath, EventRecord{
		Event: event, Source: source, From: current, To: toState, Data: data,
	}); err != nil {
		return nil, errs.New("lifecycle.emit_event", errs.CodeGeneric, err)
	}

	effectErrs := e.runEffects(w, transition, event, data)

	return &Result{
		Matched:      true,
		Transition:   transition,
		FromState:    current,
		ToState:      toState,
		EffectErrors: effectErrs,
	}, nil
}

func (e *Engine) findMatch(w Worker, state, event string, data map[string]any) (Transition, bool, error) {
	for _, t := range e.spec.Transitions {
		if !t.Matches(state, event) {
			continue
		}
		if t.Guard == "" {
			return t, true, nil
		}
		fn, ok := e.guards.Get(t.Guard)
		if !ok {
			return Transition{}, false, fmt.Errorf("unknown guard %q", t.Guard)
		}
		gst, err := w.GitState.GetState()
		if err != nil {
			return Transition{}, false, err
		}
		ok2, err := fn(GuardContext{RuntimeContext: w.Context, Event: event, Data: data, GitState: gst})
		if err != nil {
			return Transition{}, false, fmt.Errorf("guard %q: %w", t.Guard, err)
		}
		if ok2 {
			return t, true, nil
		}
	}
	return Transition{}, false, nil
}

// runEffects records the transition's effects as pending, then executes
// them one by one, marking each completed on success. A failing effect is
// logged and left pending for the next replay — non-fatal, per §4.3 step 8.
func (e *Engine) runEffects(w Worker, t Transition, event string, data map[string]any) []error {
	if len(t.Effects) == 0 {
		return nil
	}

	names := make([]string, len(t.Effects))
	argsByEffect := make(map[string]json.RawMessage, len(t.Effects))
	resolvedArgs := make(map[string]map[string]any, len(t.Effects))
	for i, es := range t.Effects {
		names[i] = es.Name
		resolved := resolveArgs(es.Args, data, w.Context)
		resolvedArgs[es.Name] = resolved
		if raw, err := json.Marshal(resolved); err == nil {
			argsByEffect[es.Name] = raw
		}
	}

	var ctxRaw json.RawMessage
	if raw, err := json.Marshal(w.Context); err == nil {
		ctxRaw = raw
	}

	batchID, entries, err := w.Outbox.RecordPending(names, argsByEffect, ctxRaw)
	if err != nil {
		return []error{fmt.Errorf("lifecycle: record pending effects: %w", err)}
	}

	var errsOut []error
	for _, entry := range entries {
		if directoryMutatingEffects[entry.EffectName] {
			e.flushOutboxOnce(w)
		}

		fn, ok := e.effects.Get(entry.EffectName)
		if !ok {
			errsOut = append(errsOut, fmt.Errorf("lifecycle: unknown effect %q", entry.EffectName))
			continue
		}
		err := fn(EffectContext{
			RuntimeContext: w.Context,
			Event:          event,
			Data:           data,
			Args:           resolvedArgs[entry.EffectName],
		})
		if err != nil {
			slog.Warn("lifecycle: effect failed, left pending for replay",
				"effect", entry.EffectName, "batch_id", batchID, "error", err)
			errsOut = append(errsOut, fmt.Errorf("effect %s: %w", entry.EffectName, err))
			continue
		}
		if err := w.Outbox.MarkCompleted(batchID, entry.EntryID); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}

// flushOutboxOnce replays any pending effects left from a prior, crashed
// transition before a directory-mutating effect runs. The per-worker
// re-entry guard stops the replayer's own re-invocation of a
// directory-mutating effect from recursing back into this method.
func (e *Engine) flushOutboxOnce(w Worker) {
	e.mu.Lock()
	if e.replaying[w.Context.WorkerDir] {
		e.mu.Unlock()
		return
	}
	e.replaying[w.Context.WorkerDir] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.replaying, w.Context.WorkerDir)
		e.mu.Unlock()
	}()

	errs := w.Outbox.ReplayPending(func(entry outbox.Entry) error {
		fn, ok := e.effects.Get(entry.EffectName)
		if !ok {
			return fmt.Errorf("unknown effect %q", entry.EffectName)
		}
		var args map[string]any
		_ = json.Unmarshal(entry.ArgsJSON, &args)
		return fn(EffectContext{RuntimeContext: w.Context, Args: args})
	})
	for _, err := range errs {
		slog.Warn("lifecycle: outbox replay failed", "error", err)
	}
}
