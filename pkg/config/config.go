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

// Package config loads and validates the orchestrator's own tuning
// parameters. It never touches kanban.md or pipeline-config.json — those are
// domain data owned by pkg/kanban and pkg/pipeline respectively.
package config

import (
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/observability"
)

// Config is the orchestrator's tuning configuration, loaded from YAML with
// environment variable overrides (see §6 of the specification for the
// recognized env var names).
type Config struct {
	Pools    PoolsConfig    `yaml:"pools" mapstructure:"pools"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Backend  BackendConfig  `yaml:"backend" mapstructure:"backend"`
	Prompts  PromptsConfig  `yaml:"prompts" mapstructure:"prompts"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Safety   SafetyConfig   `yaml:"safety" mapstructure:"safety"`

	// Observability configures tracing/metrics for the orchestrator and
	// its service scheduler (§4.12).
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`

	// Services are the lightweight background services the orchestrator
	// drives alongside the worker pool (§4.12).
	Services []ServiceConfig `yaml:"services" mapstructure:"services"`
}

// ServiceConfig is one §4.12 service's static YAML definition.
type ServiceConfig struct {
	ID               string        `yaml:"id" mapstructure:"id"`
	Command          []string      `yaml:"command" mapstructure:"command"`
	IntervalSeconds  int           `yaml:"interval_seconds" mapstructure:"interval_seconds"`
	EventTrigger     string        `yaml:"event_trigger" mapstructure:"event_trigger"`
	IfRunning        string        `yaml:"if_running" mapstructure:"if_running"`
	MaxRetries       int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	BackoffMultiplier float64      `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down" mapstructure:"cool_down"`
	DependsOn        string        `yaml:"depends_on" mapstructure:"depends_on"`
	DependencyMaxAge time.Duration `yaml:"dependency_max_age" mapstructure:"dependency_max_age"`
}

// PoolsConfig bounds the three worker pools (§4.10).
type PoolsConfig struct {
	MaxWorkers          int `yaml:"max_workers" mapstructure:"max_workers" env:"MAX_WORKERS"`
	MaxPriorityCombined int `yaml:"max_priority_combined" mapstructure:"max_priority_combined"`
	ResolveTimeout       time.Duration `yaml:"resolve_worker_timeout" mapstructure:"resolve_worker_timeout" env:"RESOLVE_WORKER_TIMEOUT"`
	StuckWorkerThreshold time.Duration `yaml:"stuck_worker_threshold" mapstructure:"stuck_worker_threshold" env:"STUCK_WORKER_THRESHOLD"`
}

// RetryConfig configures the backend retry wrapper (§4.5).
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries" env:"CLAUDE_MAX_RETRIES"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff" env:"CLAUDE_INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"max_backoff" mapstructure:"max_backoff" env:"CLAUDE_MAX_BACKOFF"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier" env:"CLAUDE_BACKOFF_MULTIPLIER"`
	MaxMergeAttempts  int           `yaml:"max_merge_attempts" mapstructure:"max_merge_attempts" env:"MAX_MERGE_ATTEMPTS"`
}

// BackendConfig selects and configures the AI CLI backend driver.
type BackendConfig struct {
	Name string `yaml:"name" mapstructure:"name" env:"RUNTIME_BACKEND"`
}

// PromptsConfig holds the four prompt wrapper strings (§4.5), each either a
// literal string or an "@filepath" reference resolved at Load time.
type PromptsConfig struct {
	PreSystem  string `yaml:"pre_system" mapstructure:"pre_system" env:"PROMPT_PRE_SYSTEM"`
	PostSystem string `yaml:"post_system" mapstructure:"post_system" env:"PROMPT_POST_SYSTEM"`
	PreUser    string `yaml:"pre_user" mapstructure:"pre_user" env:"PROMPT_PRE_USER"`
	PostUser   string `yaml:"post_user" mapstructure:"post_user" env:"PROMPT_POST_USER"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level" env:"LOG_LEVEL"`
	File  string `yaml:"file" mapstructure:"file" env:"LOG_FILE"`
}

// ScheduleConfig tunes the scheduler tick and aging (§4.10).
type ScheduleConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	AgeFactor     float64       `yaml:"age_factor" mapstructure:"age_factor"`
	PlanBonus     float64       `yaml:"plan_bonus" mapstructure:"plan_bonus"`
	DepBonus      float64       `yaml:"dep_bonus" mapstructure:"dep_bonus"`
	ErrorLogMaxAge time.Duration `yaml:"error_log_max_age" mapstructure:"error_log_max_age" env:"ERROR_LOG_MAX_AGE"`
}

// SafetyConfig gates optional protective behavior.
type SafetyConfig struct {
	NoHeader           bool `yaml:"no_header" mapstructure:"no_header" env:"NO_HEADER"`
	EffectOutboxEnable bool `yaml:"effect_outbox_enabled" mapstructure:"effect_outbox_enabled" env:"EFFECT_OUTBOX_ENABLED"`
}

// SetDefaults fills in zero-valued fields with the orchestrator's defaults.
func (c *Config) SetDefaults() {
	if c.Pools.MaxWorkers == 0 {
		c.Pools.MaxWorkers = 4
	}
	if c.Pools.MaxPriorityCombined == 0 {
		c.Pools.MaxPriorityCombined = 2
	}
	if c.Pools.ResolveTimeout == 0 {
		c.Pools.ResolveTimeout = 30 * time.Minute
	}
	if c.Pools.StuckWorkerThreshold == 0 {
		c.Pools.StuckWorkerThreshold = 2 * time.Hour
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = 5 * time.Second
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 60 * time.Second
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2.0
	}
	if c.Retry.MaxMergeAttempts == 0 {
		c.Retry.MaxMergeAttempts = 3
	}
	if c.Backend.Name == "" {
		c.Backend.Name = "claude-cli"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Schedule.TickInterval == 0 {
		c.Schedule.TickInterval = 10 * time.Second
	}
	if c.Schedule.AgeFactor == 0 {
		c.Schedule.AgeFactor = 1.0
	}
	if c.Schedule.PlanBonus == 0 {
		c.Schedule.PlanBonus = 5.0
	}
	if c.Schedule.DepBonus == 0 {
		c.Schedule.DepBonus = 2.0
	}
	if c.Schedule.ErrorLogMaxAge == 0 {
		c.Schedule.ErrorLogMaxAge = time.Hour
	}
	c.Safety.EffectOutboxEnable = true
	c.Observability.SetDefaults()
}

// Validate checks invariants that SetDefaults cannot repair.
func (c *Config) Validate() error {
	if c.Pools.MaxWorkers < 1 {
		return errInvalid("pools.max_workers must be >= 1")
	}
	if c.Retry.MaxRetries < 0 {
		return errInvalid("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffMultiplier <= 1.0 {
		return errInvalid("retry.backoff_multiplier must be > 1.0")
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }
