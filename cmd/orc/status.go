package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/eventindex"
	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// StatusCmd displays pool and kanban status (§4.10 step 7): every worker
// directory's task id, lifecycle state, and liveness, listed in directory
// order (not grouped by state).
// Task or Event switches to a sqlite-indexed cross-worker history query
// instead of the summary view (§4.12: "an optional secondary index ...
// queryable from doctor/status").
type StatusCmd struct {
	Task  string `help:"Show the indexed lifecycle event history for one task id."`
	Event string `help:"Show every indexed occurrence of one event name across all workers."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	if c.Task != "" || c.Event != "" {
		return c.runIndexQuery(cli)
	}

	kanbanStore := buildKanban(cli)
	tasks, err := kanbanStore.GetAllTasks()
	if err != nil {
		return errs.New("status.kanban", errs.CodeOrchestration, err)
	}

	fmt.Println("kanban:")
	for _, t := range tasks {
		fmt.Printf("  [%c] %s  %s\n", t.Status, t.ID, t.Brief)
	}

	root := filepath.Join(cli.RalphDir, "workers")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("workers: none")
			return nil
		}
		return errs.New("status.list_workers", errs.CodeOrchestration, err)
	}

	fmt.Println("workers:")
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := workerdir.Open(filepath.Join(root, e.Name()))
		st, err := gitstate.New(dir.GitStatePath(), 0).GetState()
		state := "unknown"
		if err == nil {
			state = st.CurrentState
		}
		liveness := "idle"
		if dir.HasLiveAgent() {
			liveness = "live"
		}
		fmt.Printf("  %s  task=%s state=%s (%s)\n", e.Name(), dir.TaskID(), state, liveness)
	}
	return nil
}

// runIndexQuery rebuilds the sqlite event index from every worker's
// events.jsonl and prints the rows matching --task or --event.
func (c *StatusCmd) runIndexQuery(cli *CLI) error {
	ix, err := rebuildEventIndex(cli)
	if err != nil {
		return err
	}
	defer ix.Close()

	var rows []eventindex.Row
	switch {
	case c.Task != "":
		rows, err = ix.ByTask(c.Task)
	case c.Event != "":
		rows, err = ix.ByEvent(c.Event)
	}
	if err != nil {
		return errs.New("status.query_index", errs.CodeOrchestration, err)
	}

	if len(rows) == 0 {
		fmt.Println("no matching events")
		return nil
	}
	for _, r := range rows {
		fmt.Printf("%s  task=%s  %s -> %s  event=%s source=%s\n",
			r.Timestamp.Format("2006-01-02T15:04:05Z"), r.TaskID, r.FromState, r.ToState, r.Event, r.Source)
	}
	return nil
}

// rebuildEventIndex opens (creating if absent) <ralph-dir>/events-index.db
// and reloads it from workers/*/events.jsonl (§4.12).
func rebuildEventIndex(cli *CLI) (*eventindex.Index, error) {
	ix, err := eventindex.Open(filepath.Join(cli.RalphDir, "events-index.db"))
	if err != nil {
		return nil, errs.New("status.open_index", errs.CodeOrchestration, err)
	}
	if _, err := ix.Rebuild(filepath.Join(cli.RalphDir, "workers")); err != nil {
		ix.Close()
		return nil, errs.New("status.rebuild_index", errs.CodeOrchestration, err)
	}
	return ix, nil
}
