package main

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/orchestra/workload-orchestrator/pkg/config"
	"github.com/orchestra/workload-orchestrator/pkg/observability"
	"github.com/orchestra/workload-orchestrator/pkg/service"
)

// buildObservability brings up tracing/metrics for the run loop (§4.12:
// "Emits per-execution metrics"). A disabled or zero-value Config yields a
// Manager whose methods are all no-ops, so callers never need a nil check.
func buildObservability(ctx context.Context, cfg *config.Config) (*observability.Manager, error) {
	return observability.NewManager(ctx, &cfg.Observability)
}

// buildServiceScheduler wires every declared §4.12 service into a
// service.Scheduler persisting to <ralph>/services-state.json, executing
// commands via exec.Command and reporting through metrics (grounded on the
// same Events-callback idiom pkg/scheduler.Hooks uses to keep side effects
// out of the core loop).
func buildServiceScheduler(cli *CLI, cfg *config.Config, metrics *observability.Metrics) *service.Scheduler {
	store := service.NewStore(filepath.Join(cli.RalphDir, "services-state.json"))
	runner := func(sc service.Config) (int, error) {
		cmd := exec.Command(sc.Command[0], sc.Command[1:]...)
		cmd.Dir = cli.RalphDir
		err := cmd.Run()
		if err == nil {
			return 0, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	events := service.Events{
		OnRunComplete: func(serviceID string, rec service.RunRecord) {
			metrics.RecordServiceRun(serviceID, rec.Success, rec.Duration)
		},
		OnCircuitChange: func(serviceID string, from, to string) {
			metrics.SetCircuitState(serviceID, to)
		},
	}
	sched := service.New(store, runner, isAlivePID, events)
	for _, sc := range cfg.Services {
		sched.Register(service.Config{
			ID:               sc.ID,
			Command:          sc.Command,
			IntervalSeconds:  sc.IntervalSeconds,
			EventTrigger:     sc.EventTrigger,
			IfRunning:        service.IfRunningPolicy(orDefault(sc.IfRunning, string(service.IfRunningSkip))),
			MaxRetries:       sc.MaxRetries,
			Backoff: service.Backoff{
				Initial:    sc.InitialBackoff,
				Max:        sc.MaxBackoff,
				Multiplier: sc.BackoffMultiplier,
			},
			CircuitBreaker: service.CircuitBreakerConfig{
				FailureThreshold: sc.FailureThreshold,
				CoolDown:         sc.CoolDown,
			},
			DependsOn:        sc.DependsOn,
			DependencyMaxAge: sc.DependencyMaxAge,
		})
	}
	return sched
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
