// Package service implements the lightweight service scheduler (§4.12) that
// runs alongside the orchestrator: periodic or event-triggered commands with
// if_running policy, retry/backoff, a per-service circuit breaker, and
// execution metrics, all persisted to one atomically-rewritten state.json
// (adapted from the teacher's write-to-temp-then-rename git-state.json
// pattern, pkg/gitstate/gitstate.go).
package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunRecord is one past execution of a service, retained for the status
// surface and success-rate metric (§4.12: "Emits per-execution metrics
// (duration, exit code, success rate)").
type RunRecord struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// ServiceState is one service's persisted runtime state.
type ServiceState struct {
	ID                string      `json:"id"`
	PID               int         `json:"pid,omitempty"`
	Running            bool       `json:"running"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RetryCount        int         `json:"retry_count"`
	NextRunAt         time.Time   `json:"next_run_at"`
	LastDependencyOK  *time.Time  `json:"last_dependency_ok,omitempty"`
	CircuitState      string      `json:"circuit_state"` // closed|open|half-open
	CircuitOpenedAt   *time.Time  `json:"circuit_opened_at,omitempty"`
	History           []RunRecord `json:"history"`
}

const defaultHistoryCap = 50

// Document is the full contents of the service scheduler's single state.json
// file (§4.12: "Persists all state to a single JSON file").
type Document struct {
	Services map[string]*ServiceState `json:"services"`
}

// Store reads and atomically rewrites state.json.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store rooted at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads state.json, or returns an empty document if absent.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Services: make(map[string]*ServiceState)}, nil
		}
		return nil, fmt.Errorf("service: read state: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("service: parse state: %w", err)
	}
	if doc.Services == nil {
		doc.Services = make(map[string]*ServiceState)
	}
	return &doc, nil
}

// Save persists doc atomically (write-to-temp + rename).
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(doc)
}

func (s *Store) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("service: marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("service: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".service-state-*.tmp")
	if err != nil {
		return fmt.Errorf("service: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("service: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("service: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("service: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("service: rename temp file: %w", err)
	}
	return nil
}

// Mutate reads the document, applies fn, and writes it back under the
// store's lock, as one read-modify-write step. Scheduler.Restore updates
// state through it; Scheduler.Tick calls Load and Save separately instead,
// with the lock released in between.
func (s *Store) Mutate(fn func(doc *Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	fn(doc)
	return s.save(doc)
}

func appendRun(st *ServiceState, rec RunRecord) {
	st.History = append(st.History, rec)
	if len(st.History) > defaultHistoryCap {
		st.History = st.History[len(st.History)-defaultHistoryCap:]
	}
}
