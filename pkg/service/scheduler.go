package service

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// IfRunningPolicy governs what happens when a service's trigger fires while
// a previous execution is still running (§4.12: "if_running policy
// (skip|queue)").
type IfRunningPolicy string

const (
	IfRunningSkip  IfRunningPolicy = "skip"
	IfRunningQueue IfRunningPolicy = "queue"
)

// Backoff is the exponential-backoff shape applied to retries (§4.12:
// "Applies exponential backoff on retries"), matching the
// CLAUDE_INITIAL_BACKOFF/CLAUDE_MAX_BACKOFF/CLAUDE_BACKOFF_MULTIPLIER knobs
// the backend retry runtime already exposes for CLI calls.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b Backoff) duration(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	max := b.Max
	if max <= 0 {
		max = time.Minute
	}
	d := time.Duration(float64(initial) * math.Pow(mult, float64(attempt)))
	if d > max {
		d = max
	}
	return d
}

// CircuitBreakerConfig configures a service's per-service circuit (§4.12).
type CircuitBreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
}

// Config is one service's static definition (§4.12: "id, command,
// interval_seconds (or event trigger), if_running policy, max_retries,
// backoff, optional circuit_breaker thresholds, and optional dependency").
type Config struct {
	ID              string
	Command         []string
	IntervalSeconds int           // 0 if event-triggered
	EventTrigger    string        // non-empty if triggered by a named event rather than an interval
	IfRunning       IfRunningPolicy
	MaxRetries      int
	Backoff         Backoff
	CircuitBreaker  CircuitBreakerConfig
	DependsOn       string // another service's id whose last run must have succeeded recently
	DependencyMaxAge time.Duration
}

// Runner executes a service's command, returning its exit code (0 =
// success) or an error if the process itself could not be started/awaited.
// Injected so the scheduler never shells out directly in tests.
type Runner func(cfg Config) (exitCode int, err error)

// IsAlive reports whether pid is still a live process, used to restore
// running state on restart (§4.12: "on restart, restores running PIDs by
// verifying each is still alive").
type IsAlive func(pid int) bool

// Events receives structured per-execution notifications for observability
// wiring (metrics, logs) without the scheduler depending on a concrete
// metrics backend.
type Events struct {
	OnRunStart      func(serviceID string)
	OnRunComplete   func(serviceID string, rec RunRecord)
	OnCircuitChange func(serviceID string, from, to string)
}

// Scheduler drives every registered Config through its trigger, if_running
// policy, retry/backoff, and circuit breaker each Tick, persisting all state
// through a single Store (§4.12).
type Scheduler struct {
	mu       sync.Mutex
	services map[string]Config
	store    *Store
	runner   Runner
	isAlive  IsAlive
	events   Events
	breakers *breakerRegistry
	running  map[string]bool // services currently mid-execution (if_running=skip guard)
	queued   map[string]bool // services deferred by if_running=queue, due to run next eligible tick
}

// New creates a Scheduler persisting to store and executing services via
// runner. isAlive and events may be nil.
func New(store *Store, runner Runner, isAlive IsAlive, events Events) *Scheduler {
	s := &Scheduler{
		services: make(map[string]Config),
		store:    store,
		runner:   runner,
		isAlive:  isAlive,
		events:   events,
		running:  make(map[string]bool),
		queued:   make(map[string]bool),
	}
	s.breakers = newBreakerRegistry(func(serviceID string, from, to gobreaker.State) {
		if s.events.OnCircuitChange != nil {
			s.events.OnCircuitChange(serviceID, stateLabel(from), stateLabel(to))
		}
	})
	return s
}

// Register adds or replaces a service definition.
func (s *Scheduler) Register(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[cfg.ID] = cfg
}

// Restore verifies every service state.json marks as running actually still
// has a live PID, clearing Running/PID for any that don't (§4.12: "restores
// running PIDs by verifying each is still alive").
func (s *Scheduler) Restore() error {
	if s.isAlive == nil {
		return nil
	}
	return s.store.Mutate(func(doc *Document) {
		for id, st := range doc.Services {
			if st.Running && st.PID != 0 && !s.isAlive(st.PID) {
				slog.Warn("service restart found dead pid", "service_id", id, "pid", st.PID)
				st.Running = false
				st.PID = 0
			}
		}
	})
}

// Tick resolves every service whose trigger fires at now and runs it
// (respecting if_running, dependency, and circuit state), persisting the
// resulting state (§4.12 per-tick algorithm).
func (s *Scheduler) Tick(now time.Time) error {
	s.mu.Lock()
	configs := make([]Config, 0, len(s.services))
	for _, cfg := range s.services {
		configs = append(configs, cfg)
	}
	s.mu.Unlock()

	doc, err := s.store.Load()
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		st := doc.Services[cfg.ID]
		if st == nil {
			st = &ServiceState{ID: cfg.ID, CircuitState: "closed", NextRunAt: now}
			doc.Services[cfg.ID] = st
		}
		if !s.triggerFires(cfg, st, now) {
			continue
		}
		if s.isRunning(cfg.ID) {
			switch cfg.IfRunning {
			case IfRunningQueue:
				s.markQueued(cfg.ID)
			default:
				slog.Debug("service skipped, already running", "service_id", cfg.ID)
			}
			continue
		}
		if cfg.DependsOn != "" && !s.dependencySatisfied(doc, cfg, now) {
			slog.Debug("service deferred, dependency not satisfied", "service_id", cfg.ID, "depends_on", cfg.DependsOn)
			st.NextRunAt = now.Add(time.Duration(max1(cfg.IntervalSeconds, 1)) * time.Second)
			continue
		}
		s.execute(doc, cfg, st, now)
	}

	return s.store.Save(doc)
}

func (s *Scheduler) triggerFires(cfg Config, st *ServiceState, now time.Time) bool {
	if cfg.EventTrigger != "" {
		return s.isQueued(cfg.ID)
	}
	return !now.Before(st.NextRunAt)
}

func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *Scheduler) setRunning(id string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.running[id] = true
	} else {
		delete(s.running, id)
	}
}

func (s *Scheduler) isQueued(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued[id]
}

func (s *Scheduler) markQueued(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[id] = true
}

func (s *Scheduler) clearQueued(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, id)
}

func (s *Scheduler) dependencySatisfied(doc *Document, cfg Config, now time.Time) bool {
	dep := doc.Services[cfg.DependsOn]
	if dep == nil || dep.LastDependencyOK == nil {
		return false
	}
	maxAge := cfg.DependencyMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return now.Sub(*dep.LastDependencyOK) <= maxAge
}

func (s *Scheduler) execute(doc *Document, cfg Config, st *ServiceState, now time.Time) {
	s.clearQueued(cfg.ID)
	s.setRunning(cfg.ID, true)
	defer s.setRunning(cfg.ID, false)

	st.Running = true
	if s.events.OnRunStart != nil {
		s.events.OnRunStart(cfg.ID)
	}

	started := now
	rec, err := s.breakers.Execute(cfg, func() (RunRecord, error) {
		exitCode, runErr := s.runner(cfg)
		success := runErr == nil && exitCode == 0
		record := RunRecord{StartedAt: started, Duration: time.Since(started), ExitCode: exitCode, Success: success}
		if runErr != nil {
			record.Error = runErr.Error()
			return record, runErr
		}
		if !success {
			return record, fmt.Errorf("service %s: exit code %d", cfg.ID, exitCode)
		}
		return record, nil
	})

	st.Running = false
	st.PID = 0

	if err == ErrCircuitOpen {
		slog.Warn("service circuit open, skipping run", "service_id", cfg.ID)
		st.CircuitState = "open"
		st.NextRunAt = now.Add(time.Duration(max1(cfg.IntervalSeconds, 1)) * time.Second)
		return
	}

	appendRun(st, rec)
	if s.events.OnRunComplete != nil {
		s.events.OnRunComplete(cfg.ID, rec)
	}

	if rec.Success {
		st.ConsecutiveFailures = 0
		st.RetryCount = 0
		st.CircuitState = "closed"
		okAt := now
		st.LastDependencyOK = &okAt
		st.NextRunAt = now.Add(time.Duration(max1(cfg.IntervalSeconds, 1)) * time.Second)
		return
	}

	st.ConsecutiveFailures++
	if st.RetryCount < cfg.MaxRetries {
		st.RetryCount++
		st.NextRunAt = now.Add(cfg.Backoff.duration(st.RetryCount))
		slog.Warn("service run failed, retrying", "service_id", cfg.ID, "retry", st.RetryCount, "error", rec.Error)
		return
	}

	st.RetryCount = 0
	st.NextRunAt = now.Add(time.Duration(max1(cfg.IntervalSeconds, 1)) * time.Second)
	slog.Error("service run failed, retries exhausted", "service_id", cfg.ID, "error", rec.Error)
}

// Trigger marks an event-triggered service as due on the next Tick (§4.12:
// "or event trigger").
func (s *Scheduler) Trigger(serviceID string) {
	s.markQueued(serviceID)
}

func max1(n, floor int) int {
	if n <= 0 {
		return floor
	}
	return n
}
