package agenthost

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
)

// ShellFunc is a deterministic, LLM-free step body (git-sync,
// batch-wait-turn) — plain Go rather than a subprocess, for steps the
// scheduler itself understands (e.g. waiting on a batch position).
type ShellFunc func(ctx pipeline.StepContext) (gateResult string, outputs map[string]any, err error)

// NewShellHandler wraps a ShellFunc as a Handler, writing its own result
// file like any LLM-backed step (§4.7: "writes a result file exactly like
// LLM steps").
func NewShellHandler(fn ShellFunc) pipeline.Handler {
	return func(ctx pipeline.StepContext) error {
		gate, outputs, err := fn(ctx)
		if err != nil {
			return writeResult(ctx.ResultPath, pipeline.Result{
				StepID: ctx.StepID, Agent: "shell", GateResult: "error",
				Errors: []string{err.Error()},
			})
		}
		return writeResult(ctx.ResultPath, pipeline.Result{
			StepID: ctx.StepID, Agent: "shell", GateResult: gate, Outputs: outputs,
		})
	}
}

// NewCommandHandler runs an actual external command (e.g. `git fetch &&
// git rebase`) named in step.Config["command"]/["args"], classifying exit
// code 0 as "ok" and anything else as "failed".
func NewCommandHandler() pipeline.Handler {
	return func(ctx pipeline.StepContext) error {
		command := getString(ctx.Config, "command", "")
		if command == "" {
			return writeResult(ctx.ResultPath, pipeline.Result{
				StepID: ctx.StepID, Agent: "shell", GateResult: "error",
				Errors: []string{"shell step missing \"command\" in config"},
			})
		}
		rawArgs, _ := ctx.Config["args"].([]any)
		args := make([]string, 0, len(rawArgs))
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}

		c, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		cmd := exec.CommandContext(c, command, args...)
		cmd.Dir = ctx.WorkerDir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		gate := "ok"
		exitCode := 0
		if err := cmd.Run(); err != nil {
			gate = "failed"
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				exitCode = -1
			}
		}

		return writeResult(ctx.ResultPath, pipeline.Result{
			StepID: ctx.StepID, Agent: "shell", GateResult: gate, ExitCode: exitCode,
			Outputs: map[string]any{"output": out.String()},
		})
	}
}
