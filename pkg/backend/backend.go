// Package backend abstracts one AI CLI invocation (§4.5). Unlike the
// teacher's pkg/model (which calls LLM HTTP APIs directly and owns
// conversational/tool-call state), a Backend here shells out to an external
// coding-agent CLI process and reports back through exit codes and log
// files — the orchestrator never holds a live model connection itself.
// Named backends are resolved through a registry, the same polymorphism
// idiom the teacher uses for its own pluggable components (pkg/registry).
package backend

import (
	"context"

	"github.com/orchestra/workload-orchestrator/pkg/registry"
)

// ExecResult is what one backend invocation reports to its caller.
type ExecResult struct {
	ExitCode  int
	SessionID string
}

// Backend is the contract every AI CLI driver implements (§4.5). A default
// embeddable implementation (Base) provides no-op stubs for the optional
// hooks; a concrete backend overrides only what it supports.
type Backend interface {
	// Init prepares the backend from its configuration (API keys, binary
	// path, etc.) — called once before first use.
	Init(ctx context.Context, cfg map[string]any) error

	// BuildExecArgs builds the CLI argument list for a fresh invocation.
	BuildExecArgs(workspace, systemPrompt, userPrompt string, maxTurns int) []string

	// BuildResumeArgs builds the CLI argument list to resume sessionID.
	BuildResumeArgs(sessionID, prompt string, maxTurns int) []string

	// Invoke runs the CLI with args in workspace, streaming stdout+stderr to
	// logPath, and returns the observed exit code.
	Invoke(ctx context.Context, workspace string, args []string, logPath string) (int, error)

	// IsRetryable classifies a failed invocation from its exit code and
	// stderr tail (read from a small file, not held in memory).
	IsRetryable(exitCode int, stderrFile string) bool

	// ExtractText pulls the assistant's final text out of a log file.
	ExtractText(logPath string) (string, error)

	// ExtractSessionID pulls the session id a CLI invocation reports, for
	// backends that assign their own ids rather than accepting one.
	ExtractSessionID(logPath string) (string, error)

	// SupportsSessions reports whether resume(session_id, ...) is usable at
	// all for this backend.
	SupportsSessions() bool

	// SupportsNamedSessions reports whether the backend can be handed a
	// caller-chosen session id, vs. always generating its own.
	SupportsNamedSessions() bool
}

// Base is embedded by concrete backends to satisfy Backend with safe
// no-op/default behavior for any hook they do not override (§4.5: "A
// default interface provides no-op stubs").
type Base struct{}

func (Base) Init(context.Context, map[string]any) error { return nil }
func (Base) BuildExecArgs(_, _, _ string, _ int) []string { return nil }
func (Base) BuildResumeArgs(_, _ string, _ int) []string  { return nil }
func (Base) IsRetryable(int, string) bool                 { return false }
func (Base) ExtractText(string) (string, error)           { return "", nil }
func (Base) ExtractSessionID(string) (string, error)      { return "", nil }
func (Base) SupportsSessions() bool                       { return false }
func (Base) SupportsNamedSessions() bool                  { return false }

// Registry resolves a Backend by its configured name (e.g. "claude-cli"),
// mirroring the teacher's named-handler registries rather than a type
// switch over backend kinds.
type Registry = registry.Registry[Backend]

// NewRegistry creates an empty backend registry.
func NewRegistry() Registry {
	return registry.NewBaseRegistry[Backend]()
}
