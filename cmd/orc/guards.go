package main

import (
	"os/exec"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
)

// registerGuards wires the three named guards the default lifecycle spec
// references (§4.3: "merge_attempts < MAX, recovery_attempts < MAX,
// rebase_onto_default_succeeds").
func registerGuards(engine *lifecycle.Engine, maxMergeAttempts, maxRecoveryAttempts int) error {
	if err := engine.RegisterGuard("merge_attempts_under_max", func(ctx lifecycle.GuardContext) (bool, error) {
		return ctx.GitState.MergeAttempts < maxMergeAttempts, nil
	}); err != nil {
		return err
	}

	if err := engine.RegisterGuard("recovery_attempts_under_max", func(ctx lifecycle.GuardContext) (bool, error) {
		return ctx.GitState.RecoveryAttempts < maxRecoveryAttempts, nil
	}); err != nil {
		return err
	}

	return engine.RegisterGuard("rebase_onto_default_succeeds", rebaseOntoDefaultSucceeds)
}

// rebaseOntoDefaultSucceeds rebases the worker's workspace onto the
// repository's default branch and force-pushes with lease (§4.3: "this
// guard performs the rebase+force-push-with-lease; if it fails it aborts
// and the next transition candidate is tried"). Guards with side effects
// are explicitly allowed by the spec provided they are idempotent — running
// this twice against an already-rebased branch is a no-op rebase.
func rebaseOntoDefaultSucceeds(ctx lifecycle.GuardContext) (bool, error) {
	workspace := filepath.Join(ctx.WorkerDir, "workspace")

	fetch := exec.Command("git", "fetch", "origin")
	fetch.Dir = workspace
	if err := fetch.Run(); err != nil {
		return false, nil
	}

	rebase := exec.Command("git", "rebase", "origin/main")
	rebase.Dir = workspace
	if err := rebase.Run(); err != nil {
		_ = exec.Command("git", "-C", workspace, "rebase", "--abort").Run()
		return false, nil
	}

	push := exec.Command("git", "push", "--force-with-lease")
	push.Dir = workspace
	if err := push.Run(); err != nil {
		return false, nil
	}

	return true, nil
}
