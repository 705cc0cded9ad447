// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command orc is the CLI front-end for the multi-agent workload
// orchestrator (§6's "CLI surface").
//
// Usage:
//
//	orc init
//	orc run --max-workers 4
//	orc status
//	orc worker start --task TASK-001
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/logger"
)

// CLI is the root command set (§6: "init, run, status, clean, doctor,
// validate, worker <start|resume>, review <task ID> <fix|resolve|sync>").
type CLI struct {
	Init     InitCmd     `cmd:"" help:"Scaffold a ralph directory (kanban.md, pipeline-config.json, orchestrator.yaml)."`
	Run      RunCmd      `cmd:"" help:"Run the scheduler loop until interrupted."`
	Status   StatusCmd   `cmd:"" help:"Display pool and kanban status."`
	Clean    CleanCmd    `cmd:"" help:"Archive finished worker directories."`
	Doctor   DoctorCmd   `cmd:"" help:"Check environment prerequisites."`
	Validate ValidateCmd `cmd:"" help:"Validate kanban.md and pipeline-config.json."`
	Worker   WorkerCmd   `cmd:"" help:"Drive one worker process directly."`
	Review   ReviewCmd   `cmd:"" help:"Queue a reviewer action against a task."`

	RalphDir string `name:"ralph-dir" short:"r" default:"." help:"Root directory holding kanban.md, workers/, and orchestrator.yaml." type:"path"`
	Config   string `name:"config" short:"c" help:"Path to orchestrator.yaml (default: <ralph-dir>/orchestrator.yaml)." type:"path"`

	Quiet   bool `name:"quiet" short:"q" help:"Only log warnings and errors."`
	Verbose int  `name:"verbose" short:"v" type:"counter" help:"Increase log verbosity (-v, -vv, -vvv)."`
}

// configPath resolves --config, defaulting to <ralph-dir>/orchestrator.yaml.
func (c *CLI) configPath() string {
	if c.Config != "" {
		return c.Config
	}
	return c.RalphDir + "/orchestrator.yaml"
}

// logLevel maps -q/-v/-vv/-vvv to the slog level the spec names (§6: "Flag
// conventions: -v/-vv/-vvv -> INFO/DEBUG/TRACE; -q -> WARN"). The package's
// levels bottom out at Debug; "TRACE" from -vvv is carried as Debug too,
// since slog has no level below it.
func (c *CLI) logLevel() string {
	switch {
	case c.Quiet:
		return "warn"
	case c.Verbose >= 2:
		return "debug"
	case c.Verbose == 1:
		return "info"
	default:
		return "warn"
	}
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("orc"),
		kong.Description("Multi-agent workload orchestrator"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.logLevel())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(errs.CodeUsage))
	}
	logger.Init(level, os.Stderr, "simple")

	runErr := kctx.Run(&cli)
	if runErr != nil {
		slog.Error("orc: command failed", "error", runErr)
		os.Exit(int(errs.CodeOf(runErr)))
	}
}
