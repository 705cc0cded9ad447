package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
)

// batchGate classifies one poll tick against batch's current state.
// A zero batch.Status (neither "resolved" nor "failed") still pending, and
// taskID not yet the active member, leaves the gate empty so the caller
// keeps polling.
func batchGate(batch *scheduler.ConflictBatch, taskID string) string {
	if batch == nil {
		return "batch_missing"
	}
	if batch.Status == "resolved" || batch.Status == "failed" {
		return batch.Status
	}
	if batch.ActiveMember() == taskID {
		return "ready"
	}
	return ""
}

func writeWaitTurnResult(ctx pipeline.StepContext, gate string) error {
	result := pipeline.Result{StepID: ctx.StepID, Agent: "shell", GateResult: gate, Timestamp: time.Now().UTC()}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("merge: marshal wait-turn result: %w", err)
	}
	return os.WriteFile(ctx.ResultPath, data, 0o644)
}

// NewWaitTurnHandler builds the deterministic "batch-wait-turn" shell step
// (§4.7, §4.11) against a queue already held in memory by the caller: it
// blocks until taskID is the active member of batchID, a timeout elapses,
// or the batch is no longer pending.
func NewWaitTurnHandler(queue *scheduler.Queue, batchID, taskID string, pollInterval, timeout time.Duration) pipeline.Handler {
	return func(ctx pipeline.StepContext) error {
		deadline := time.Now().Add(timeout)
		gate := "timeout"

		for time.Now().Before(deadline) {
			if g := batchGate(queue.Batches[batchID], taskID); g != "" {
				gate = g
				break
			}
			time.Sleep(pollInterval)
		}

		return writeWaitTurnResult(ctx, gate)
	}
}

// batchContext is the subset of run.go's batch-context.json this handler
// reads to learn which batch it's waiting on.
type batchContext struct {
	BatchID string `json:"batch_id"`
}

// NewWaitTurnHandlerFromDisk is the variant actually registered into a
// worker subprocess's pipeline.Executor (§4.7's "batch_wait_turn" agent):
// the supervisor process owns conflict-queue.json, not this process, so
// each poll tick re-reads it from disk via scheduler.Load instead of
// consulting a single in-memory snapshot like NewWaitTurnHandler above.
func NewWaitTurnHandlerFromDisk(batchContextPath, queuePath string, pollInterval, timeout time.Duration) pipeline.Handler {
	return func(ctx pipeline.StepContext) error {
		raw, err := os.ReadFile(batchContextPath)
		if err != nil {
			return writeWaitTurnResult(ctx, "batch_missing")
		}
		var bctx batchContext
		if err := json.Unmarshal(raw, &bctx); err != nil || bctx.BatchID == "" {
			return writeWaitTurnResult(ctx, "batch_missing")
		}

		deadline := time.Now().Add(timeout)
		gate := "timeout"

		for time.Now().Before(deadline) {
			queue, err := scheduler.Load(queuePath)
			if err != nil {
				gate = "error"
				break
			}
			if g := batchGate(queue.Batches[bctx.BatchID], ctx.TaskID); g != "" {
				gate = g
				break
			}
			time.Sleep(pollInterval)
		}

		return writeWaitTurnResult(ctx, gate)
	}
}
