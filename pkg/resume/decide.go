// Package resume implements the resume decider (§4.8): given a worker that
// is restarting (or a pipeline step configured for recovery), decide
// whether the prior attempt actually finished, should be retried from a
// recovery checkpoint, is unrecoverable, or should be deferred for an
// external, transient reason. It only reads evidence already on disk (or a
// read-only `git log` in the workspace) — it never executes project code
// or mutates the workspace, mirroring the teacher's read-only
// config-validation passes (pkg/config) rather than its agent-driving code.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/checkpoint"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// Kind is one of the four decisions §4.8 names.
type Kind string

const (
	Complete Kind = "COMPLETE"
	Retry    Kind = "RETRY"
	Abort    Kind = "ABORT"
	Defer    Kind = "DEFER"
)

// Decision is the resume decider's verdict, written into a step result file
// by a single-shot "resume-decide" agent step.
type Decision struct {
	Kind             Kind   `json:"kind"`
	Pipeline         string `json:"pipeline,omitempty"`
	Step             string `json:"step,omitempty"`
	RecoveryPossible bool   `json:"recovery_possible"`
	Reason           string `json:"reason"`
}

// String renders the decision in the wire form the spec names:
// "RETRY:<pipeline>:<step-id>", or the bare keyword otherwise.
func (d Decision) String() string {
	if d.Kind == Retry {
		return fmt.Sprintf("RETRY:%s:%s", d.Pipeline, d.Step)
	}
	return string(d.Kind)
}

var deferPatterns = regexp.MustCompile(`(?i)out of memory|oom[ -]?killed|rate limit|429|too many requests`)

// Decider evaluates evidence in a worker directory.
type Decider struct {
	checkpoints *checkpoint.Store
	stepOrder   []string
	gitLog      func(workspace string) (string, error)
}

// NewDecider builds a Decider. stepOrder is the pipeline's step ids in
// declared order, used to compute a recovery point relative to targetStep.
func NewDecider(checkpoints *checkpoint.Store, stepOrder []string) *Decider {
	return &Decider{
		checkpoints: checkpoints,
		stepOrder:   stepOrder,
		gitLog:      readGitLog,
	}
}

// Decide inspects dir's evidence and returns a Decision for resuming
// pipelineName at the step it last attempted (targetStep).
func (d *Decider) Decide(dir *workerdir.Dir, pipelineName, targetStep string) (Decision, error) {
	if defer_, reason := d.checkDefer(dir); defer_ {
		return Decision{Kind: Defer, Reason: reason}, nil
	}

	latest, hasResult := latestResult(dir)

	prdTotal, prdDone, prdComplete := prdChecklistComplete(dir.PRDPath())
	_, prURLErr := os.Stat(dir.PRURLPath())
	hasPR := prURLErr == nil
	hasCommit := d.hasWorkspaceCommit(dir)

	if prdComplete && (hasPR || hasCommit) {
		return Decision{
			Kind: Complete, RecoveryPossible: true,
			Reason: fmt.Sprintf("prd checklist complete (%d/%d) and committed/PR evidence present", prdDone, prdTotal),
		}, nil
	}

	if hasResult && isFatalGate(latest.GateResult) {
		recoverable, _ := d.checkpoints.RecoveryPossible(d.runIDs(), d.stepOrder, targetStep)
		if !recoverable {
			return Decision{
				Kind: Abort, Reason: fmt.Sprintf("fatal gate result %q with no recovery checkpoint", latest.GateResult),
			}, nil
		}
	}

	recoverable, err := d.checkpoints.RecoveryPossible(d.runIDs(), d.stepOrder, targetStep)
	if err != nil {
		return Decision{}, fmt.Errorf("resume: compute recovery possible: %w", err)
	}

	return Decision{
		Kind: Retry, Pipeline: pipelineName, Step: targetStep,
		RecoveryPossible: recoverable,
		Reason:           "no completion evidence found; resuming pipeline",
	}, nil
}

func (d *Decider) runIDs() []string {
	runs, err := d.checkpoints.ListRuns()
	if err != nil {
		return nil
	}
	return runs
}

func (d *Decider) checkDefer(dir *workerdir.Dir) (bool, string) {
	tail := tailOf(dir.WorkerLogPath(), 4096)
	if m := deferPatterns.FindString(tail); m != "" {
		return true, fmt.Sprintf("transient condition detected in worker.log: %q", m)
	}
	if latest, ok := latestResult(dir); ok {
		for _, e := range latest.Errors {
			if deferPatterns.MatchString(e) {
				return true, fmt.Sprintf("transient condition detected in result errors: %q", e)
			}
		}
	}
	return false, ""
}

func (d *Decider) hasWorkspaceCommit(dir *workerdir.Dir) bool {
	out, err := d.gitLog(dir.Workspace())
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

func readGitLog(workspace string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", workspace, "log", "-1", "--format=%H")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isFatalGate(gate string) bool {
	switch gate {
	case "backend_error", "error", "fatal":
		return true
	default:
		return false
	}
}

func latestResult(dir *workerdir.Dir) (pipeline.Result, bool) {
	resultsDir := filepath.Join(dir.Path, "results")
	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return pipeline.Result{}, false
	}
	var latest pipeline.Result
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(resultsDir, e.Name()))
		if err != nil {
			continue
		}
		var r pipeline.Result
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if !found || r.Timestamp.After(latest.Timestamp) {
			latest = r
			found = true
		}
	}
	return latest, found
}

func tailOf(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	start := int64(0)
	if info.Size() > maxBytes {
		start = info.Size() - maxBytes
	}
	buf := make([]byte, info.Size()-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return ""
	}
	return string(buf)
}

