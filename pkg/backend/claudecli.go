package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ClaudeCLI drives the "claude" coding-agent CLI (§4.5's default backend,
// RUNTIME_BACKEND=claude-cli). Process invocation follows the teacher's
// exec.Command + CombinedOutput idiom (dev/git_manager.go), redirected to a
// log file instead of captured in memory since agent runs can be long and
// produce large logs.
type ClaudeCLI struct {
	Base
	binary string
}

// NewClaudeCLI builds a ClaudeCLI driver invoking the named binary ("claude"
// if empty).
func NewClaudeCLI(binary string) *ClaudeCLI {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeCLI{binary: binary}
}

func (c *ClaudeCLI) BuildExecArgs(workspace, systemPrompt, userPrompt string, maxTurns int) []string {
	return []string{
		"--print",
		"--output-format", "stream-json",
		"--append-system-prompt", systemPrompt,
		"--max-turns", fmt.Sprintf("%d", maxTurns),
		userPrompt,
	}
}

func (c *ClaudeCLI) BuildResumeArgs(sessionID, prompt string, maxTurns int) []string {
	return []string{
		"--print",
		"--output-format", "stream-json",
		"--resume", sessionID,
		"--max-turns", fmt.Sprintf("%d", maxTurns),
		prompt,
	}
}

func (c *ClaudeCLI) Invoke(ctx context.Context, workspace string, args []string, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("claude-cli: open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = workspace
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()
	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		return exitCode, nil
	}
	if runErr != nil {
		return 0, fmt.Errorf("claude-cli: invoke: %w", runErr)
	}
	return 0, nil
}

// IsRetryable treats well-known transient failures — rate limiting and
// service unavailability — as retryable; everything else (auth, unknown
// flag, panics) is fatal to the step (§4.5, §7).
func (c *ClaudeCLI) IsRetryable(exitCode int, logPath string) bool {
	if exitCode == 0 {
		return false
	}
	tail := readTail(logPath, 4096)
	lower := strings.ToLower(tail)
	for _, marker := range []string{"rate limit", "429", "service unavailable", "503", "timeout", "overloaded"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ExtractText scans the stream-json log for the final "result" event's
// text field, the shape the CLI's --output-format stream-json emits.
func (c *ClaudeCLI) ExtractText(logPath string) (string, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("claude-cli: open log: %w", err)
	}
	defer f.Close()

	var lastResult string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev struct {
			Type   string `json:"type"`
			Result string `json:"result"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type == "result" {
			lastResult = ev.Result
		}
	}
	return lastResult, nil
}

// ExtractSessionID scans the log for the CLI's self-reported session id,
// used when SupportsNamedSessions() is false and the CLI always mints its
// own.
func (c *ClaudeCLI) ExtractSessionID(logPath string) (string, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("claude-cli: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.SessionID != "" {
			return ev.SessionID, nil
		}
	}
	return "", nil
}

func (c *ClaudeCLI) SupportsSessions() bool      { return true }
func (c *ClaudeCLI) SupportsNamedSessions() bool { return false }

// readTail reads up to n trailing bytes of path, returning "" on any error
// (used only for best-effort error classification, never fatal).
func readTail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err.Error() != "EOF" {
		return ""
	}
	return string(buf)
}
