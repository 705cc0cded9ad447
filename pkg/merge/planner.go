package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestra/workload-orchestrator/pkg/backend"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
)

// ResolutionHint is one batch member's per-PR resolution guidance, the
// planner's output unit (§4.11: "a JSON plan of per-PR resolution hints").
type ResolutionHint struct {
	TaskID string `json:"task_id"`
	Hint   string `json:"hint"`
}

// Plan is the multi-PR planner's full output for one conflict batch.
type Plan struct {
	BatchID string            `json:"batch_id"`
	Hints   []ResolutionHint  `json:"hints"`
}

// HintFor returns the hint for taskID, or "" if the planner didn't address it.
func (p Plan) HintFor(taskID string) string {
	for _, h := range p.Hints {
		if h.TaskID == taskID {
			return h.Hint
		}
	}
	return ""
}

const plannerSystemPrompt = "You are planning how to resolve a batch of conflicting pull requests that all touch overlapping files. Reply with exactly one JSON object of the shape {\"hints\":[{\"task_id\":\"...\",\"hint\":\"...\"}]} and nothing else."

// PlanBatch runs the single-shot planner agent over batch and parses its
// JSON reply into a Plan (§4.11: "a multi-PR planner — a single-shot agent
// step — produces a JSON plan of per-PR resolution hints").
func PlanBatch(ctx context.Context, rt *backend.Runtime, workspace, logPath string, maxTurns int, batch *scheduler.ConflictBatch) (Plan, error) {
	userPrompt := fmt.Sprintf("Batch %s has members (in resolution order): %s. Overlapping files: %s.",
		batch.ID, strings.Join(batch.Members, ", "), strings.Join(batch.Files, ", "))

	if _, err := rt.ExecOnce(ctx, workspace, plannerSystemPrompt, userPrompt, logPath, maxTurns, false); err != nil {
		return Plan{}, fmt.Errorf("merge: plan batch %s: %w", batch.ID, err)
	}
	text, err := rt.ExtractText(logPath)
	if err != nil {
		return Plan{}, fmt.Errorf("merge: extract planner output: %w", err)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Plan{}, fmt.Errorf("merge: planner output for batch %s has no JSON object", batch.ID)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return Plan{}, fmt.Errorf("merge: parse planner output: %w", err)
	}
	plan.BatchID = batch.ID
	return plan, nil
}
