// Package kanban reads and mutates the orchestrator's single kanban.md file:
// the task list every worker is spawned against. Every mutation goes through
// filelock so concurrent workers and the scheduler never interleave writes
// (§6: "A Markdown file. Each task is a list item of the exact form
// `- [<S>] **[<ID>]** <brief>`").
package kanban

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/filelock"
)

// Status is one of the six status characters the specification reserves.
type Status byte

const (
	StatusPending     Status = ' '
	StatusInProgress  Status = '='
	StatusPlanned     Status = 'P'
	StatusDone        Status = 'x'
	StatusFatal       Status = '*'
	StatusNeedsAction Status = 'N'
)

var taskLineRE = regexp.MustCompile(`^(\s*)-\s\[(.)\]\s\*\*\[([A-Za-z0-9_-]+)\]\*\*\s(.*)$`)

// Task is one parsed kanban entry.
type Task struct {
	ID           string
	Status       Status
	Brief        string
	Description  string
	Priority     int
	Deps         []string
	line         int // index into the raw line slice, for set_status
	indent       string
}

// Store is the kanban.md accessor. lockTimeout bounds how long an operation
// waits to acquire the file lock before giving up (§5: "File-lock
// acquisition — bounded by timeout").
type Store struct {
	path        string
	plansDir    string
	lockTimeout time.Duration
}

// New creates a Store for the kanban file at path. plansDir is where has_plan
// looks for a per-task plan file (<plansDir>/<id>.md); it defaults to a
// "plans" sibling directory of path when empty.
func New(path, plansDir string) *Store {
	if plansDir == "" {
		plansDir = filepath.Join(filepath.Dir(path), "plans")
	}
	return &Store{path: path, plansDir: plansDir, lockTimeout: 10 * time.Second}
}

// GetAllTasks parses every task entry in the file.
func (s *Store) GetAllTasks() ([]Task, error) {
	var tasks []Task
	err := filelock.With(s.path, s.lockTimeout, func() error {
		parsed, _, err := s.parse()
		if err != nil {
			return err
		}
		tasks = parsed
		return nil
	})
	if err != nil {
		return nil, errs.New("kanban.get_all_tasks", errs.CodeGeneric, err)
	}
	return tasks, nil
}

// GetReadyTasks returns pending tasks whose dependencies are all done and
// which do not participate in a dependency cycle. When excludeInProgress is
// false, tasks already in progress are also considered ready (used when
// recovering a crashed orchestrator that must re-adopt active workers).
func (s *Store) GetReadyTasks(excludeInProgress bool) ([]Task, error) {
	tasks, err := s.GetAllTasks()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	cyclic := detectCycles(byID)

	var ready []Task
	for _, t := range tasks {
		if cyclic[t.ID] {
			continue
		}
		wantStatus := t.Status == StatusPending
		if !excludeInProgress {
			wantStatus = wantStatus || t.Status == StatusInProgress
		}
		if !wantStatus {
			continue
		}
		if hasSelfDependency(t) {
			continue
		}
		if !allDepsDone(t, byID) {
			continue
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready, nil
}

func hasSelfDependency(t Task) bool {
	for _, d := range t.Deps {
		if d == t.ID {
			return true
		}
	}
	return false
}

func allDepsDone(t Task, byID map[string]Task) bool {
	for _, d := range t.Deps {
		dep, ok := byID[d]
		if !ok || dep.Status != StatusDone {
			return false
		}
	}
	return true
}

// detectCycles runs DFS from every node and marks every task that
// participates in a dependency cycle. Cyclic tasks are reported (the caller
// decides what to do) but never fail the parse.
func detectCycles(byID map[string]Task) map[string]bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	cyclic := make(map[string]bool)

	var visit func(id string, stack []string) bool
	visit = func(id string, stack []string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].Deps {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				for _, s := range stack {
					cyclic[s] = true
				}
				cyclic[dep] = true
				cyclic[id] = true
			case white:
				if visit(dep, stack) {
					cyclic[id] = true
				}
			}
		}
		color[id] = black
		return cyclic[id]
	}

	for id := range byID {
		if color[id] == white {
			visit(id, nil)
		}
	}
	return cyclic
}

// GetDependencyDepth returns the length of the longest dependency chain
// rooted at id, used as an input to scheduler priority aging (§4.10). Cyclic
// dependents contribute depth 0 rather than recursing forever.
func (s *Store) GetDependencyDepth(id string) (int, error) {
	tasks, err := s.GetAllTasks()
	if err != nil {
		return 0, err
	}
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	visiting := make(map[string]bool)
	memo := make(map[string]int)
	return depthOf(id, byID, visiting, memo), nil
}

func depthOf(id string, byID map[string]Task, visiting map[string]bool, memo map[string]int) int {
	if d, ok := memo[id]; ok {
		return d
	}
	t, ok := byID[id]
	if !ok || visiting[id] || len(t.Deps) == 0 {
		return 0
	}
	visiting[id] = true
	best := 0
	for _, dep := range t.Deps {
		if d := 1 + depthOf(dep, byID, visiting, memo); d > best {
			best = d
		}
	}
	visiting[id] = false
	memo[id] = best
	return best
}

// HasPlan reports whether a plan file exists for id.
func (s *Store) HasPlan(id string) bool {
	_, err := os.Stat(filepath.Join(s.plansDir, id+".md"))
	return err == nil
}

// SetStatus atomically substitutes id's status character, preserving every
// other byte of the line and file. Fails if the task is not present.
func (s *Store) SetStatus(id string, newStatus Status) error {
	return filelock.With(s.path, s.lockTimeout, func() error {
		tasks, rawLines, err := s.parse()
		if err != nil {
			return err
		}
		idx := -1
		for _, t := range tasks {
			if t.ID == id {
				idx = t.line
				break
			}
		}
		if idx < 0 {
			return errs.New("kanban.set_status", errs.CodeGeneric, fmt.Errorf("task %s not found", id))
		}

		m := taskLineRE.FindStringSubmatch(rawLines[idx])
		if m == nil {
			return errs.New("kanban.set_status", errs.CodeGeneric, fmt.Errorf("task %s line malformed", id))
		}
		rawLines[idx] = fmt.Sprintf("%s- [%c] **[%s]** %s", m[1], byte(newStatus), m[3], m[4])

		return writeAtomic(s.path, strings.Join(rawLines, "\n")+"\n")
	})
}

// parse reads the kanban file and returns both the structured tasks and the
// raw lines (so set_status can rewrite a single line byte-for-byte).
func (s *Store) parse() ([]Task, []string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open kanban file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan kanban file: %w", err)
	}

	var tasks []Task
	var cur *Task
	for i, line := range lines {
		if m := taskLineRE.FindStringSubmatch(line); m != nil {
			if cur != nil {
				tasks = append(tasks, *cur)
			}
			cur = &Task{
				ID:     m[3],
				Status: Status(m[2][0]),
				Brief:  m[4],
				line:   i,
				indent: m[1],
			}
			continue
		}
		if cur == nil {
			continue
		}
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Description:"):
			cur.Description = strings.TrimSpace(strings.TrimPrefix(trimmed, "Description:"))
		case strings.HasPrefix(trimmed, "Priority:"):
			if p, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(trimmed, "Priority:"))); err == nil {
				cur.Priority = p
			}
		case strings.HasPrefix(trimmed, "Dependencies:"):
			raw := strings.TrimSpace(strings.TrimPrefix(trimmed, "Dependencies:"))
			cur.Deps = parseDeps(raw)
		}
	}
	if cur != nil {
		tasks = append(tasks, *cur)
	}
	return tasks, lines, nil
}

func parseDeps(raw string) []string {
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil
	}
	parts := strings.Split(raw, ",")
	deps := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			deps = append(deps, p)
		}
	}
	return deps
}

// writeAtomic writes content to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial file (§5 crash
// safety mechanism (a)).
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".kanban-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
