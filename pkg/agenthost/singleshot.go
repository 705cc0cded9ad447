package agenthost

import (
	"context"

	"github.com/orchestra/workload-orchestrator/pkg/backend"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// SingleShotConfig are the step.Config keys a single-shot agent reads.
// system_prompt and user_prompt are literal strings resolved by the caller
// (pkg/config already supports file-or-literal prompt resolution).
type SingleShotConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	UserPrompt   string `mapstructure:"user_prompt"`
	MaxTurns     int    `mapstructure:"max_turns"`
}

// NewSingleShotHandler returns a Handler that makes exactly one backend
// call, extracts the <result> tag from the log, and writes a result file.
// Used for code-review, resume-decide, and planner steps (§4.7).
func NewSingleShotHandler(rt *backend.Runtime, dir *workerdir.Dir, epoch int64) pipeline.Handler {
	return func(ctx pipeline.StepContext) error {
		systemPrompt := getString(ctx.Config, "system_prompt", "")
		userPrompt := getString(ctx.Config, "user_prompt", "")
		maxTurns := getInt(ctx.Config, "max_turns", 1)

		logPath := dir.LogPath(ctx.StepID, 1, epoch)
		execResult, err := rt.ExecOnce(context.Background(), ctx.WorkerDir, systemPrompt, userPrompt, logPath, maxTurns, !ctx.Readonly)
		if err != nil {
			return writeResult(ctx.ResultPath, pipeline.Result{
				StepID: ctx.StepID, Agent: "single_shot", GateResult: "backend_error",
				ExitCode: execResult.ExitCode, Errors: []string{err.Error()},
			})
		}

		text, _ := rt.ExtractText(logPath)
		gate := "no_result_tag"
		outputs := map[string]any{}
		if tag, ok := extractResultTag(text); ok {
			gate = tag
			outputs["result_tag"] = tag
		}
		outputs["text"] = text

		return writeResult(ctx.ResultPath, pipeline.Result{
			StepID: ctx.StepID, Agent: "single_shot", GateResult: gate,
			ExitCode: execResult.ExitCode, Outputs: outputs,
		})
	}
}
