package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/merge"
	"github.com/orchestra/workload-orchestrator/pkg/outbox"
	"github.com/orchestra/workload-orchestrator/pkg/scheduler"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// ReviewCmd lets a human reviewer nudge a stuck task without waiting for
// `orc run`'s own triggers (§4.11: reviewer comments route a PR back to
// "needs_fix"; a maintainer may also force a requeue or a GitHub sync).
type ReviewCmd struct {
	Task string `arg:"" help:"Task ID to act on."`
	Verb string `arg:"" enum:"fix,resolve,sync" help:"fix: requeue for another attempt. resolve: requeue as a conflict-resolution pass. sync: re-push the GitHub status label."`
}

func (c *ReviewCmd) Run(cli *CLI) error {
	dir, err := findWorkerDir(cli, c.Task)
	if err != nil {
		return errs.New("review.find_worker", errs.CodeReview, err)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	queue, err := scheduler.Load(filepath.Join(cli.RalphDir, "conflict-queue.json"))
	if err != nil {
		return errs.New("review.load_queue", errs.CodeReview, err)
	}
	var client merge.GitHubClient
	if _, err := exec.LookPath("gh"); err == nil {
		client = newGHClient(cli.RalphDir)
	}
	engine, err := buildEngine(cli, cfg, queue, client)
	if err != nil {
		return errs.New("review.build_engine", errs.CodeReview, err)
	}

	lw := lifecycle.Worker{
		TaskID:     c.Task,
		GitState:   gitstate.New(dir.GitStatePath(), 0),
		Kanban:     buildKanban(cli),
		Outbox:     outbox.New(dir.OutboxDir()),
		EventsPath: dir.EventsPath(),
		Context: lifecycle.RuntimeContext{
			WorkerDir: dir.Path,
			TaskID:    c.Task,
			RalphDir:  cli.RalphDir,
		},
	}

	var event string
	switch c.Verb {
	case "fix":
		event = "review.request_fix"
	case "resolve":
		event = "review.request_resolve"
	case "sync":
		event = "review.sync"
	}

	result, err := engine.EmitEvent(lw, event, "review-command", nil)
	if err != nil {
		return errs.New("review.emit_event", errs.CodeReview, err)
	}
	if result.Matched {
		fmt.Printf("review: %s -> %s (%s => %s)\n", c.Task, c.Verb, result.FromState, result.ToState)
	} else {
		fmt.Printf("review: %s -> %s had no matching transition from the current state\n", c.Task, c.Verb)
	}
	return queue.Save()
}

// findWorkerDir locates the worker directory for a task by scanning
// workers/ for a basename carrying the task id (§6: "worker-<TASK>-<epoch>").
func findWorkerDir(cli *CLI, taskID string) (*workerdir.Dir, error) {
	root := filepath.Join(cli.RalphDir, "workers")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var match string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := workerdir.Open(filepath.Join(root, e.Name()))
		if dir.TaskID() == taskID {
			match = dir.Path
		}
	}
	if match == "" {
		return nil, fmt.Errorf("no worker directory found for task %q", taskID)
	}
	return workerdir.Open(match), nil
}
