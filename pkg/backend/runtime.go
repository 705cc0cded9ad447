package backend

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
)

// PromptWrappers are the four configurable strings injected around every
// agent prompt at work steps only, never around summary or supervisor
// prompts (§4.5).
type PromptWrappers struct {
	PreSystem  string
	PostSystem string
	PreUser    string
	PostUser   string
}

func (p PromptWrappers) wrap(systemPrompt, userPrompt string) (string, string) {
	return p.PreSystem + systemPrompt + p.PostSystem, p.PreUser + userPrompt + p.PostUser
}

// Runtime drives a single Backend through the four operations the
// specification names, with a retry wrapper around retryable failures.
type Runtime struct {
	backend  Backend
	prompts  PromptWrappers
	retryer  *Retryer
}

// NewRuntime builds a Runtime over backend, applying prompts to every
// work-step call and retrying retryable failures per retryCfg.
func NewRuntime(backend Backend, prompts PromptWrappers, retryCfg RetryConfig) *Runtime {
	return &Runtime{backend: backend, prompts: prompts, retryer: NewRetryer(retryCfg)}
}

// ExecOnce runs a fresh backend invocation with a newly assigned session.
func (r *Runtime) ExecOnce(ctx context.Context, workspace, systemPrompt, userPrompt, logPath string, maxTurns int, wrapPrompts bool) (ExecResult, error) {
	sp, up := systemPrompt, userPrompt
	if wrapPrompts {
		sp, up = r.prompts.wrap(systemPrompt, userPrompt)
	}
	args := r.backend.BuildExecArgs(workspace, sp, up, maxTurns)
	return r.invokeWithRetry(ctx, workspace, args, logPath, "")
}

// ExecOnceWithSession runs a fresh invocation under a caller-provided
// session id. Backends that cannot accept a named session ignore it and
// report their own generated id back via ExtractSessionID (§4.5).
func (r *Runtime) ExecOnceWithSession(ctx context.Context, workspace, systemPrompt, userPrompt, logPath string, maxTurns int, sessionID string, wrapPrompts bool) (ExecResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sp, up := systemPrompt, userPrompt
	if wrapPrompts {
		sp, up = r.prompts.wrap(systemPrompt, userPrompt)
	}
	args := r.backend.BuildExecArgs(workspace, sp, up, maxTurns)
	if r.backend.SupportsNamedSessions() {
		args = append(args, "--session-id", sessionID)
	}
	result, err := r.invokeWithRetry(ctx, workspace, args, logPath, sessionID)
	if err != nil {
		return result, err
	}
	if !r.backend.SupportsNamedSessions() {
		if id, extractErr := r.backend.ExtractSessionID(logPath); extractErr == nil && id != "" {
			result.SessionID = id
		}
	}
	return result, nil
}

// Resume continues an existing session — used by the ralph loop's summary
// call on backends that support sessions (§4.5, §4.7).
// Prompt wrappers are never applied here; they wrap work-step prompts only.
func (r *Runtime) Resume(ctx context.Context, workspace, sessionID, prompt, logPath string, maxTurns int) (ExecResult, error) {
	if !r.backend.SupportsSessions() {
		return ExecResult{}, errs.New("backend.resume", errs.CodeGeneric, fmt.Errorf("backend does not support sessions"))
	}
	args := r.backend.BuildResumeArgs(sessionID, prompt, maxTurns)
	return r.invokeWithRetry(ctx, workspace, args, logPath, sessionID)
}

// invokeWithRetry runs the backend once, retrying retryable failures with
// exponential backoff; non-retryable errors propagate immediately (§4.5).
func (r *Runtime) invokeWithRetry(ctx context.Context, workspace string, args []string, logPath, sessionID string) (ExecResult, error) {
	var result ExecResult
	err := r.retryer.Do(ctx, "backend.invoke", func() error {
		exitCode, invokeErr := r.backend.Invoke(ctx, workspace, args, logPath)
		result = ExecResult{ExitCode: exitCode, SessionID: sessionID}
		if invokeErr != nil {
			return invokeErr
		}
		if exitCode != 0 {
			return &exitCodeError{exitCode: exitCode, backend: r.backend, logPath: logPath}
		}
		return nil
	})
	if err != nil {
		return result, errs.Retryable("backend.invoke", errs.CodeBackendService, err)
	}
	return result, nil
}

// ExtractText reads the agent's final text output from a log file, for
// callers (agenthost) that need the prose rather than just the exit code.
func (r *Runtime) ExtractText(logPath string) (string, error) {
	return r.backend.ExtractText(logPath)
}

// SupportsSessions reports whether the underlying backend can resume a
// prior session, so callers can choose between Resume and a fresh ExecOnce
// carrying prior context as a file input (§4.7).
func (r *Runtime) SupportsSessions() bool {
	return r.backend.SupportsSessions()
}

// exitCodeError wraps a non-zero backend exit so the retryer can classify
// it via the backend's own IsRetryable, without coupling Retryer to
// Backend.
type exitCodeError struct {
	exitCode int
	backend  Backend
	logPath  string
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("backend exited %d", e.exitCode)
}
