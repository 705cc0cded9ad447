package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend lets tests script exit codes/retryability without spawning a
// real process.
type fakeBackend struct {
	Base
	invocations int
	exitCodes   []int
	retryable   bool
	sessionID   string
	lastArgs    []string
}

func (f *fakeBackend) BuildExecArgs(workspace, systemPrompt, userPrompt string, maxTurns int) []string {
	return []string{systemPrompt, userPrompt}
}

func (f *fakeBackend) BuildResumeArgs(sessionID, prompt string, maxTurns int) []string {
	return []string{sessionID, prompt}
}

func (f *fakeBackend) Invoke(ctx context.Context, workspace string, args []string, logPath string) (int, error) {
	code := f.exitCodes[f.invocations]
	f.invocations++
	f.lastArgs = args
	return code, nil
}

func (f *fakeBackend) IsRetryable(exitCode int, logPath string) bool { return f.retryable }
func (f *fakeBackend) SupportsSessions() bool                       { return true }
func (f *fakeBackend) ExtractSessionID(string) (string, error)      { return f.sessionID, nil }

func TestExecOnce_WrapsPromptsOnWorkSteps(t *testing.T) {
	fb := &fakeBackend{exitCodes: []int{0}}
	rt := NewRuntime(fb, PromptWrappers{PreSystem: "[SYS]", PostUser: "[/USER]"}, RetryConfig{})

	logPath := filepath.Join(t.TempDir(), "step.log")
	result, err := rt.ExecOnce(context.Background(), t.TempDir(), "do the task", "fix it", logPath, 5, true)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, []string{"[SYS]do the task", "fix it[/USER]"}, fb.lastArgs)
}

func TestExecOnce_RetriesRetryableFailures(t *testing.T) {
	fb := &fakeBackend{exitCodes: []int{1, 1, 0}, retryable: true}
	rt := NewRuntime(fb, PromptWrappers{}, RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	logPath := filepath.Join(t.TempDir(), "step.log")
	result, err := rt.ExecOnce(context.Background(), t.TempDir(), "sys", "user", logPath, 5, false)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, 3, fb.invocations)
}

func TestExecOnce_NonRetryableFailsImmediately(t *testing.T) {
	fb := &fakeBackend{exitCodes: []int{1, 0}, retryable: false}
	rt := NewRuntime(fb, PromptWrappers{}, RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond})

	logPath := filepath.Join(t.TempDir(), "step.log")
	_, err := rt.ExecOnce(context.Background(), t.TempDir(), "sys", "user", logPath, 5, false)
	require.Error(t, err)
	require.Equal(t, 1, fb.invocations)
}

func TestExecOnceWithSession_GeneratesIDWhenUnnamed(t *testing.T) {
	fb := &fakeBackend{exitCodes: []int{0}, sessionID: "backend-assigned-id"}
	rt := NewRuntime(fb, PromptWrappers{}, RetryConfig{})

	logPath := filepath.Join(t.TempDir(), "step.log")
	result, err := rt.ExecOnceWithSession(context.Background(), t.TempDir(), "sys", "user", logPath, 5, "", false)
	require.NoError(t, err)
	require.Equal(t, "backend-assigned-id", result.SessionID)
}

func TestResume_FailsWhenBackendLacksSessions(t *testing.T) {
	fb := &fakeBackend{exitCodes: []int{0}}
	fb.Base = Base{}
	rt := NewRuntime(&noSessionBackend{fakeBackend: fb}, PromptWrappers{}, RetryConfig{})

	_, err := rt.Resume(context.Background(), t.TempDir(), "sess-1", "continue", filepath.Join(t.TempDir(), "r.log"), 5)
	require.Error(t, err)
}

type noSessionBackend struct {
	*fakeBackend
}

func (n *noSessionBackend) SupportsSessions() bool { return false }
