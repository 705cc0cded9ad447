package service

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by breakerRegistry.Execute while a service's
// circuit is open or refusing half-open trial runs; the scheduler then skips
// the run, adding no history entry and no failure count for it.
var ErrCircuitOpen = errors.New("service: circuit open")

// breakerRegistry lazily builds one gobreaker.CircuitBreaker per service id,
// each with its own ConsecutiveFailures/cool-down (§4.12: "Opens on N
// consecutive failures; half-open after cool-down; closed on first
// success"), mirroring the teacher pack's gobreaker.Settings{MaxRequests,
// Interval, Timeout, ReadyToTrip, OnStateChange} shape (grounded on
// jordigilh-kubernaut's circuitbreaker.Manager).
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	onChange func(serviceID string, from, to gobreaker.State)
}

func newBreakerRegistry(onChange func(serviceID string, from, to gobreaker.State)) *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker), onChange: onChange}
}

func (r *breakerRegistry) get(svc Config) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[svc.ID]; ok {
		return b
	}

	threshold := svc.CircuitBreaker.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := svc.CircuitBreaker.CoolDown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        svc.ID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	r.breakers[svc.ID] = b
	return b
}

// Execute runs fn through svc's breaker, translating gobreaker.ErrOpenState
// into the package's own ErrCircuitOpen so callers never import gobreaker
// directly.
func (r *breakerRegistry) Execute(svc Config, fn func() (RunRecord, error)) (RunRecord, error) {
	b := r.get(svc)
	rec, err := b.Execute(func() (interface{}, error) {
		record, runErr := fn()
		return record, runErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return RunRecord{}, ErrCircuitOpen
		}
		return rec.(RunRecord), err
	}
	return rec.(RunRecord), nil
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
