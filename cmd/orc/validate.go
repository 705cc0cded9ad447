package main

import (
	"fmt"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
	"github.com/orchestra/workload-orchestrator/pkg/kanban"
	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/pipeline"
)

// ValidateCmd checks kanban.md, pipeline-config.json, and
// lifecycle-spec.json for structural problems before `orc run` is trusted
// against them (§6).
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	var problems []string

	tasks, err := buildKanban(cli).GetAllTasks()
	if err != nil {
		problems = append(problems, fmt.Sprintf("kanban.md: %v", err))
	} else {
		problems = append(problems, validateTasks(tasks)...)
	}

	p, err := pipeline.Load(filepath.Join(cli.RalphDir, "pipeline-config.json"))
	if err != nil {
		problems = append(problems, fmt.Sprintf("pipeline-config.json: %v", err))
	} else {
		problems = append(problems, validatePipeline(p)...)
	}

	if _, err := lifecycle.LoadSpec(filepath.Join(cli.RalphDir, "lifecycle-spec.json")); err != nil {
		problems = append(problems, fmt.Sprintf("lifecycle-spec.json: %v", err))
	}

	for _, p := range problems {
		fmt.Println("problem:", p)
	}
	if len(problems) > 0 {
		return errs.New("validate.check", errs.CodeValidationFailed, fmt.Errorf("%d problem(s) found", len(problems)))
	}
	fmt.Println("ok")
	return nil
}

func validateTasks(tasks []kanban.Task) []string {
	var problems []string
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			problems = append(problems, "task with empty ID")
			continue
		}
		if ids[t.ID] {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.Deps {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}
	return problems
}

// jumpKeywords are the control targets pipeline.Executor.Run recognizes
// directly (its switch on the resolved jump) rather than looking up as a
// step id.
var jumpKeywords = map[string]bool{"next": true, "prev": true, "self": true, "abort": true}

func validatePipeline(p pipeline.Pipeline) []string {
	var problems []string
	if len(p.Steps) == 0 {
		problems = append(problems, "pipeline has no steps")
		return problems
	}
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		for result, target := range s.JumpMap {
			if !jumpKeywords[target] && !ids[target] {
				problems = append(problems, fmt.Sprintf("step %q jumps to unknown step %q on result %q", s.ID, target, result))
			}
		}
	}
	for result, target := range p.DefaultJump {
		if !jumpKeywords[target] && !ids[target] {
			problems = append(problems, fmt.Sprintf("default_jump targets unknown step %q on result %q", target, result))
		}
	}
	return problems
}
