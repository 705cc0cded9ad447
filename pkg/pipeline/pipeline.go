// Package pipeline is the per-worker pipeline executor (§4.6): it runs the
// declared ordered sequence of steps, routes by gate result, and manages
// checkpoints and commit-after recovery points. Step handlers are resolved
// by name through a registry, the same named-handler polymorphism idiom the
// teacher uses throughout (pkg/registry) instead of a type switch.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Step is one declared pipeline step (§3, §4.6).
type Step struct {
	ID          string            `json:"id"`
	Agent       string            `json:"agent"`
	Readonly    bool              `json:"readonly,omitempty"`
	CommitAfter bool              `json:"commit_after,omitempty"`
	EnabledBy   string            `json:"enabled_by,omitempty"`
	JumpMap     map[string]string `json:"jump_map,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
	Retry       *StepRetry        `json:"retry,omitempty"`
}

// StepRetry lets a step retry its own handler a bounded number of times
// before routing, when the handler's gate result matches one of
// RetryableResults (§4.6 step 6).
type StepRetry struct {
	MaxAttempts      int      `json:"max_attempts"`
	RetryableResults []string `json:"retryable_results"`
}

func (r *StepRetry) isRetryable(gateResult string) bool {
	if r == nil {
		return false
	}
	for _, g := range r.RetryableResults {
		if g == gateResult {
			return true
		}
	}
	return false
}

// Pipeline is an ordered list of steps plus pipeline-wide defaults.
type Pipeline struct {
	Name        string            `json:"name"`
	Steps       []Step            `json:"steps"`
	DefaultJump map[string]string `json:"default_jump,omitempty"`
}

// StepIDs returns the ordered list of step ids, used by pkg/checkpoint to
// compare recovery points against pipeline order.
func (p Pipeline) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

func (p Pipeline) stepIndex(id string) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Load reads a pipeline-config.json file (§6).
func Load(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return Pipeline{}, fmt.Errorf("pipeline: parse %s: %w", path, err)
	}
	return p, nil
}

// Result is the handler result-file schema (§6: "Result file schema").
type Result struct {
	StepID     string         `json:"step_id"`
	Agent      string         `json:"agent"`
	GateResult string         `json:"gate_result"`
	ExitCode   int            `json:"exit_code"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func readResult(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: read result file %s: %w", path, err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("pipeline: parse result file %s: %w", path, err)
	}
	return r, nil
}
