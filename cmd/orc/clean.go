package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/gitstate"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

// terminalStates are the lifecycle states clean considers finished and
// safe to archive (§3: "done", plus the failure sink "failed").
var terminalStates = map[string]bool{"done": true, "failed": true}

// CleanCmd archives finished worker directories (§3: "workers are
// archived... rather than deleted", §6).
type CleanCmd struct {
	DryRun bool `help:"List what would be archived without archiving it."`
}

func (c *CleanCmd) Run(cli *CLI) error {
	root := filepath.Join(cli.RalphDir, "workers")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("clean: no workers directory")
			return nil
		}
		return errs.New("clean.list_workers", errs.CodeClean, err)
	}

	archived := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := workerdir.Open(filepath.Join(root, e.Name()))
		st, err := gitstate.New(dir.GitStatePath(), 0).GetState()
		if err != nil || !terminalStates[st.CurrentState] {
			continue
		}
		if dir.HasLiveAgent() {
			continue
		}
		if c.DryRun {
			fmt.Printf("would archive %s (state=%s)\n", e.Name(), st.CurrentState)
			continue
		}
		dest, err := dir.Archive()
		if err != nil {
			return errs.New("clean.archive", errs.CodeClean, err)
		}
		fmt.Printf("archived %s -> %s\n", e.Name(), dest)
		archived++
	}
	if !c.DryRun {
		fmt.Printf("archived %d worker(s)\n", archived)
	}
	return nil
}
