package service

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestScheduler_RunsOnIntervalAndRecordsSuccess(t *testing.T) {
	store := newTestStore(t)
	var calls int32
	runner := func(cfg Config) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil
	}
	s := New(store, runner, nil, Events{})
	s.Register(Config{ID: "svc-1", IntervalSeconds: 60})

	now := time.Now()
	require.NoError(t, s.Tick(now))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, s.Tick(now.Add(time.Second)))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "next run isn't due yet")

	doc, err := store.Load()
	require.NoError(t, err)
	require.True(t, doc.Services["svc-1"].History[0].Success)
}

func TestScheduler_IfRunningSkip(t *testing.T) {
	store := newTestStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	runner := func(cfg Config) (int, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return 0, nil
	}
	s := New(store, runner, nil, Events{})
	s.Register(Config{ID: "svc-1", IntervalSeconds: 1, IfRunning: IfRunningSkip})

	go func() {
		require.NoError(t, s.Tick(time.Now()))
	}()
	<-started
	require.NoError(t, s.Tick(time.Now()))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	close(release)
}

func TestScheduler_RetriesWithBackoffThenGivesUp(t *testing.T) {
	store := newTestStore(t)
	runner := func(cfg Config) (int, error) {
		return 1, fmt.Errorf("boom")
	}
	s := New(store, runner, nil, Events{})
	s.Register(Config{ID: "svc-1", IntervalSeconds: 60, MaxRetries: 2, Backoff: Backoff{Initial: time.Millisecond, Max: time.Millisecond}})

	now := time.Now()
	require.NoError(t, s.Tick(now))
	doc, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 1, doc.Services["svc-1"].RetryCount)
	require.Equal(t, 1, doc.Services["svc-1"].ConsecutiveFailures)

	require.NoError(t, s.Tick(doc.Services["svc-1"].NextRunAt.Add(time.Millisecond)))
	doc, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, 2, doc.Services["svc-1"].RetryCount)

	require.NoError(t, s.Tick(doc.Services["svc-1"].NextRunAt.Add(time.Millisecond)))
	doc, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, 0, doc.Services["svc-1"].RetryCount, "retries exhausted, counter resets for the next interval cycle")
	require.Equal(t, 3, doc.Services["svc-1"].ConsecutiveFailures)
}

func TestScheduler_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	store := newTestStore(t)
	runner := func(cfg Config) (int, error) {
		return 1, fmt.Errorf("boom")
	}
	var opened bool
	events := Events{OnCircuitChange: func(serviceID string, from, to string) {
		if to == "open" {
			opened = true
		}
	}}
	s := New(store, runner, nil, events)
	s.Register(Config{
		ID: "svc-1", IntervalSeconds: 60,
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 2, CoolDown: time.Hour},
		Backoff:        Backoff{Initial: time.Millisecond, Max: time.Millisecond},
	})

	now := time.Now()
	require.NoError(t, s.Tick(now))
	doc, _ := store.Load()
	require.NoError(t, s.Tick(doc.Services["svc-1"].NextRunAt.Add(time.Millisecond)))

	require.True(t, opened)
}

func TestScheduler_DependencyGatesRun(t *testing.T) {
	store := newTestStore(t)
	var ran int32
	runner := func(cfg Config) (int, error) {
		atomic.AddInt32(&ran, 1)
		return 0, nil
	}
	s := New(store, runner, nil, Events{})
	s.Register(Config{ID: "downstream", IntervalSeconds: 60, DependsOn: "upstream", DependencyMaxAge: time.Hour})

	now := time.Now()
	require.NoError(t, s.Tick(now))
	require.Equal(t, int32(0), atomic.LoadInt32(&ran), "upstream has never succeeded")

	require.NoError(t, store.Mutate(func(doc *Document) {
		okAt := now
		doc.Services["upstream"] = &ServiceState{ID: "upstream", LastDependencyOK: &okAt}
	}))

	require.NoError(t, s.Tick(now.Add(2*time.Second)))
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestScheduler_EventTriggerOnlyRunsWhenTriggered(t *testing.T) {
	store := newTestStore(t)
	var ran int32
	runner := func(cfg Config) (int, error) {
		atomic.AddInt32(&ran, 1)
		return 0, nil
	}
	s := New(store, runner, nil, Events{})
	s.Register(Config{ID: "svc-1", EventTrigger: "deploy_complete"})

	require.NoError(t, s.Tick(time.Now()))
	require.Equal(t, int32(0), atomic.LoadInt32(&ran))

	s.Trigger("svc-1")
	require.NoError(t, s.Tick(time.Now()))
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestScheduler_RestoreClearsDeadPID(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Mutate(func(doc *Document) {
		doc.Services["svc-1"] = &ServiceState{ID: "svc-1", Running: true, PID: 12345}
	}))

	s := New(store, nil, func(pid int) bool { return false }, Events{})
	require.NoError(t, s.Restore())

	doc, err := store.Load()
	require.NoError(t, err)
	require.False(t, doc.Services["svc-1"].Running)
	require.Equal(t, 0, doc.Services["svc-1"].PID)
}

func TestBackoff_Duration(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, b.duration(0))
	require.Equal(t, 2*time.Second, b.duration(1))
	require.Equal(t, 4*time.Second, b.duration(2))
	require.Equal(t, 10*time.Second, b.duration(10), "capped at Max")
}
