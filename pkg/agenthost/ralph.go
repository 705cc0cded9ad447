package agenthost

import (
	"context"
	"fmt"
	"strings"

	"github.com/orchestra/workload-orchestrator/pkg/backend"
	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

const defaultSummaryPrompt = "Summarize what changed this iteration in a few sentences, then list every file you modified, one per line, prefixed with \"Modified: \"."

const supervisorSystemPrompt = "You are reviewing an autonomous coding agent's progress. Reply with exactly one of CONTINUE, STOP, or RESTART on the first line. If CONTINUE, follow with guidance for the next iteration."

// supervisorDecision is one of continue/stop/restart, parsed from the first
// line of a supervisor review call (§4.7).
type supervisorDecision string

const (
	decisionContinue supervisorDecision = "CONTINUE"
	decisionStop     supervisorDecision = "STOP"
	decisionRestart  supervisorDecision = "RESTART"
)

func parseSupervisorReply(text string) (supervisorDecision, string) {
	lines := strings.SplitN(strings.TrimSpace(text), "\n", 2)
	first := strings.ToUpper(strings.TrimSpace(lines[0]))
	guidance := ""
	if len(lines) > 1 {
		guidance = strings.TrimSpace(lines[1])
	}
	switch {
	case strings.HasPrefix(first, string(decisionStop)):
		return decisionStop, guidance
	case strings.HasPrefix(first, string(decisionRestart)):
		return decisionRestart, guidance
	default:
		return decisionContinue, guidance
	}
}

// NewRalphHandler returns a Handler that runs the iterative loop described
// in §4.7: N turn-limited backend calls, a summary call after each, a
// checkpoint per iteration, a periodic supervisor review, and a
// step-provided completion callback (here: a <result> tag in the log).
func NewRalphHandler(rt *backend.Runtime, cps *checkpoint.Store, dir *workerdir.Dir, runID string, epoch int64) pipeline.Handler {
	return func(ctx pipeline.StepContext) error {
		maxIterations := getInt(ctx.Config, "max_iterations", 10)
		supervisorEvery := getInt(ctx.Config, "supervisor_every", 0)
		maxRestarts := getInt(ctx.Config, "max_restarts", 2)
		maxTurns := getInt(ctx.Config, "max_turns", 8)
		systemPrompt := getString(ctx.Config, "system_prompt", "")
		basePrompt := getString(ctx.Config, "user_prompt", "")
		requireResultTag := getBool(ctx.Config, "require_result_tag", true)

		background := context.Background()

		var (
			sessionID    string
			priorSummary string
			guidance     string
			restarts     int
			filesTotal   []string
			gate         = "max_iterations_exhausted"
			lastOutputs  = map[string]any{}
		)

		for iteration := 1; iteration <= maxIterations; iteration++ {
			userPrompt := basePrompt
			if priorSummary != "" {
				userPrompt += "\n\nPrevious iteration summary:\n" + priorSummary
			}
			if guidance != "" {
				userPrompt += "\n\nSupervisor guidance:\n" + guidance
				guidance = ""
			}

			logPath := dir.LogPath(ctx.StepID, iteration, epoch)
			execResult, err := rt.ExecOnceWithSession(background, ctx.WorkerDir, systemPrompt, userPrompt, logPath, maxTurns, sessionID, true)
			if err != nil {
				return writeResult(ctx.ResultPath, pipeline.Result{
					StepID: ctx.StepID, Agent: "ralph", GateResult: "backend_error",
					ExitCode: execResult.ExitCode, Errors: []string{err.Error()},
					Outputs: map[string]any{"iterations_completed": iteration - 1},
				})
			}
			sessionID = execResult.SessionID

			mainText, _ := rt.ExtractText(logPath)
			iterFiles := extractFilesModified(mainText)
			filesTotal = append(filesTotal, iterFiles...)

			summaryText, summaryErr := runSummary(background, rt, ctx.WorkerDir, systemPrompt, sessionID, dir.SummaryPath(ctx.StepID, iteration, epoch), logPath, maxTurns)
			if summaryErr != nil {
				summaryText = ""
			}
			priorSummary = summaryText

			if err := cps.Write(checkpoint.Checkpoint{
				RunID: runID, N: iteration, StepID: ctx.StepID,
				FilesModified: iterFiles, Summary: summaryText,
			}); err != nil {
				return fmt.Errorf("ralph: write checkpoint: %w", err)
			}

			if tag, ok := extractResultTag(mainText); ok {
				gate = tag
				lastOutputs["result_tag"] = tag
				break
			}
			if !requireResultTag && iteration == maxIterations {
				gate = "max_iterations_exhausted"
				break
			}

			if supervisorEvery > 0 && iteration%supervisorEvery == 0 {
				decision, supGuidance, supErr := runSupervisor(background, rt, ctx.WorkerDir, priorSummary, dir.LogPath(ctx.StepID+"-supervisor", iteration, epoch), maxTurns)
				if supErr != nil {
					continue
				}
				switch decision {
				case decisionStop:
					gate = "stopped_by_supervisor"
					lastOutputs["supervisor_guidance"] = supGuidance
					goto done
				case decisionRestart:
					restarts++
					if restarts > maxRestarts {
						gate = "max_restarts_exceeded"
						goto done
					}
					runID = fmt.Sprintf("%s-restart-%d", runID, restarts)
					sessionID = ""
					priorSummary = ""
					guidance = supGuidance
					iteration = 0
				case decisionContinue:
					guidance = supGuidance
				}
			}
		}

	done:
		lastOutputs["files_modified"] = dedupeStrings(filesTotal)
		lastOutputs["restarts"] = restarts
		return writeResult(ctx.ResultPath, pipeline.Result{
			StepID: ctx.StepID, Agent: "ralph", GateResult: gate, Outputs: lastOutputs,
		})
	}
}

func runSummary(ctx context.Context, rt *backend.Runtime, workspace, systemPrompt, sessionID, summaryLogPath, priorLogPath string, maxTurns int) (string, error) {
	if rt.SupportsSessions() && sessionID != "" {
		if _, err := rt.Resume(ctx, workspace, sessionID, defaultSummaryPrompt, summaryLogPath, maxTurns); err != nil {
			return "", err
		}
	} else {
		prompt := defaultSummaryPrompt + "\n\nIteration log:\n" + readFileOrEmpty(priorLogPath)
		if _, err := rt.ExecOnce(ctx, workspace, systemPrompt, prompt, summaryLogPath, maxTurns, false); err != nil {
			return "", err
		}
	}
	return rt.ExtractText(summaryLogPath)
}

func runSupervisor(ctx context.Context, rt *backend.Runtime, workspace, summary, logPath string, maxTurns int) (supervisorDecision, string, error) {
	prompt := "Latest iteration summary:\n" + summary
	if _, err := rt.ExecOnce(ctx, workspace, supervisorSystemPrompt, prompt, logPath, maxTurns, false); err != nil {
		return decisionContinue, "", err
	}
	text, err := rt.ExtractText(logPath)
	if err != nil {
		return decisionContinue, "", err
	}
	decision, guidance := parseSupervisorReply(text)
	return decision, guidance, nil
}

func dedupeStrings(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
