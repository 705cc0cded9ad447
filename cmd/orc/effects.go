package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/merge"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// registerEffects wires the named effects the default lifecycle spec
// references (§4.3: "cleanup_worktree, sync_github_status,
// rm_conflict_queue_entry, archive_worker, mark_task_complete"). client may
// be nil when no GitHub remote is configured; sync_github_status then
// no-ops rather than failing the transition.
func registerEffects(engine *lifecycle.Engine, queue *scheduler.Queue, client merge.GitHubClient) error {
	if err := engine.RegisterEffect("cleanup_worktree", cleanupWorktreeEffect); err != nil {
		return err
	}
	if err := engine.RegisterEffect("archive_worker", archiveWorkerEffect); err != nil {
		return err
	}
	if err := engine.RegisterEffect("mark_task_complete", markTaskCompleteEffect); err != nil {
		return err
	}
	if err := engine.RegisterEffect("sync_github_status", newSyncGitHubStatusEffect(client)); err != nil {
		return err
	}
	return engine.RegisterEffect("rm_conflict_queue_entry", newRemoveConflictQueueEntryEffect(queue))
}

// cleanupWorktreeEffect removes the worker's git worktree from the main
// checkout at RalphDir (§6: "workspace/ (git worktree, ...)"). Best-effort:
// a worktree already removed (e.g. by a crashed prior attempt) is not an
// error, matching the idempotence the spec requires of directory-mutating
// effects.
func cleanupWorktreeEffect(ctx lifecycle.EffectContext) error {
	workspace := filepath.Join(ctx.WorkerDir, "workspace")
	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.Command("git", "-C", ctx.RalphDir, "worktree", "remove", "--force", workspace)
	if err := cmd.Run(); err != nil {
		slog.Warn("cleanup_worktree: git worktree remove failed, falling back to rm", "workspace", workspace, "error", err)
		if err := os.RemoveAll(workspace); err != nil {
			return fmt.Errorf("cleanup_worktree: remove %s: %w", workspace, err)
		}
	}
	_ = exec.Command("git", "-C", ctx.RalphDir, "worktree", "prune").Run()
	return nil
}

// archiveWorkerEffect moves the worker directory under <ralph>/.archive (§6,
// pkg/workerdir.Dir.Archive). Idempotent: when the worker directory no
// longer exists (already archived), the effect returns nil without calling
// Archive, which would fail on the missing directory.
func archiveWorkerEffect(ctx lifecycle.EffectContext) error {
	if _, err := os.Stat(ctx.WorkerDir); os.IsNotExist(err) {
		return nil
	}
	dir := workerdir.Open(ctx.WorkerDir)
	_, err := dir.Archive()
	return err
}

// markTaskCompleteEffect records completion for audit purposes; the kanban
// status flip itself is handled by the transition's own Kanban field before
// effects run (§4.3 step 6 precedes step 8).
func markTaskCompleteEffect(ctx lifecycle.EffectContext) error {
	marker := filepath.Join(ctx.WorkerDir, ".completed")
	return os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// newSyncGitHubStatusEffect builds the sync_github_status effect: it adds a
// label reflecting the transition's "state" arg to the worker's open PR,
// read from pr_url.txt's stored PR number (§6: pr_url.txt). Silently no-ops
// when no PR has been opened yet or no GitHub client is configured.
func newSyncGitHubStatusEffect(client merge.GitHubClient) lifecycle.EffectFunc {
	return func(ctx lifecycle.EffectContext) error {
		if client == nil {
			return nil
		}
		state, _ := ctx.Args["state"].(string)
		if state == "" {
			return nil
		}
		prNumber, ok := prNumberFromWorkerDir(ctx.WorkerDir)
		if !ok {
			return nil
		}
		return client.AddLabel(context.Background(), prNumber, "orc:"+state)
	}
}

// newRemoveConflictQueueEntryEffect removes the worker's task from the
// shared conflict queue and persists it (§4.10 step 5, §4.11).
func newRemoveConflictQueueEntryEffect(queue *scheduler.Queue) lifecycle.EffectFunc {
	return func(ctx lifecycle.EffectContext) error {
		if queue == nil {
			return nil
		}
		queue.RemoveMember(ctx.TaskID)
		return queue.Save()
	}
}
