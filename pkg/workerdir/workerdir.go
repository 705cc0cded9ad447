// Package workerdir lays out and addresses the per-worker directory tree
// (§6): workspace worktree, logs, results, reports, checkpoints, and state
// files. It is adapted from the teacher's pkg/utils.EnsureHectorDir, which
// created a single well-known directory on demand; here the same
// ensure-on-demand idiom is generalized to the full worker tree instead of
// one fixed folder name.
package workerdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir addresses one worker's directory tree rooted at Path.
type Dir struct {
	Path string
}

// New names (but does not create) the directory for a worker spawned against
// taskID at the given epoch: <ralphDir>/workers/worker-<TASK>-<epoch>.
func New(ralphDir, taskID string, epoch int64) *Dir {
	name := fmt.Sprintf("worker-%s-%d", taskID, epoch)
	return &Dir{Path: filepath.Join(ralphDir, "workers", name)}
}

// Open addresses an existing worker directory by its full path.
func Open(path string) *Dir {
	return &Dir{Path: path}
}

// EnsureLayout creates every fixed subdirectory the specification names.
// Files (prd.md, git-state.json, pipeline-config.json, ...) are created by
// their owning packages; this only guarantees the directories exist.
func (d *Dir) EnsureLayout() error {
	for _, sub := range []string{
		"workspace",
		"checkpoints",
		"logs",
		"results",
		"reports",
		"summaries",
		"tmp",
		"effect-outbox",
	} {
		full := filepath.Join(d.Path, sub)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("workerdir: create %s: %w", full, err)
		}
	}
	return nil
}

func (d *Dir) Workspace() string   { return filepath.Join(d.Path, "workspace") }
func (d *Dir) PRDPath() string     { return filepath.Join(d.Path, "prd.md") }
func (d *Dir) PipelineConfigPath() string {
	return filepath.Join(d.Path, "pipeline-config.json")
}
func (d *Dir) GitStatePath() string    { return filepath.Join(d.Path, "git-state.json") }
func (d *Dir) EventsPath() string      { return filepath.Join(d.Path, "events.jsonl") }
func (d *Dir) WorkerLogPath() string   { return filepath.Join(d.Path, "worker.log") }
func (d *Dir) ResumeStatePath() string { return filepath.Join(d.Path, "resume-state.json") }
func (d *Dir) AgentPIDPath() string    { return filepath.Join(d.Path, "agent.pid") }
func (d *Dir) ResumePIDPath() string   { return filepath.Join(d.Path, "resume.pid") }
func (d *Dir) PRURLPath() string       { return filepath.Join(d.Path, "pr_url.txt") }
func (d *Dir) BatchContextPath() string {
	return filepath.Join(d.Path, "batch-context.json")
}

// RalphDir returns the ralph directory d was created under (the inverse of
// New's <ralphDir>/workers/worker-<TASK>-<epoch> layout), for handlers that
// need to reach sibling top-level files like conflict-queue.json.
func (d *Dir) RalphDir() string {
	return filepath.Dir(filepath.Dir(d.Path))
}
func (d *Dir) OutboxDir() string      { return filepath.Join(d.Path, "effect-outbox") }
func (d *Dir) CheckpointsDir(runID string) string {
	return filepath.Join(d.Path, "checkpoints", runID)
}
func (d *Dir) CheckpointPath(runID string, n int) string {
	return filepath.Join(d.CheckpointsDir(runID), fmt.Sprintf("checkpoint-%d.json", n))
}
func (d *Dir) LogPath(step string, n int, epoch int64) string {
	return filepath.Join(d.Path, "logs", fmt.Sprintf("%s-%d-%d.log", step, n, epoch))
}
func (d *Dir) ResultPath(epoch int64, step string) string {
	return filepath.Join(d.Path, "results", fmt.Sprintf("%d-%s-result.json", epoch, step))
}
func (d *Dir) ReportPath(step string) string {
	return filepath.Join(d.Path, "reports", fmt.Sprintf("%s-report.md", step))
}
func (d *Dir) SummaryPath(step string, n int, epoch int64) string {
	return filepath.Join(d.Path, "summaries", fmt.Sprintf("%s-%d-%d-summary.txt", step, n, epoch))
}

// HasLiveAgent reports whether agent.pid is present, i.e. an agent process
// is currently (believed to be) running for this worker.
func (d *Dir) HasLiveAgent() bool {
	_, err := os.Stat(d.AgentPIDPath())
	return err == nil
}

// TaskID recovers the task identifier from the worker directory's own name
// (worker-<TASK>-<epoch>), since not every caller keeps the git-state.json
// around to read TaskID from. TASK may itself contain hyphens, so the epoch
// suffix (the final, all-numeric segment) is trimmed instead of split on the
// first hyphen.
func (d *Dir) TaskID() string {
	name := filepath.Base(d.Path)
	name = strings.TrimPrefix(name, "worker-")
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return name
	}
	return name[:idx]
}

// Archive moves the worker directory under <ralphDir>/.archive/, the
// terminal-state destination the specification names instead of deletion
// (§3: "workers are archived... rather than deleted").
func (d *Dir) Archive() (string, error) {
	workersDir := filepath.Dir(d.Path)
	ralphDir := filepath.Dir(workersDir)
	archiveRoot := filepath.Join(ralphDir, ".archive")
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return "", fmt.Errorf("workerdir: create archive root: %w", err)
	}
	dest := filepath.Join(archiveRoot, filepath.Base(d.Path))
	if err := os.Rename(d.Path, dest); err != nil {
		return "", fmt.Errorf("workerdir: archive %s: %w", d.Path, err)
	}
	d.Path = dest
	return dest, nil
}
