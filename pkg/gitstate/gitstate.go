// Package gitstate is the per-worker git-state.json store (§4.2): the single
// JSON file recording a worker's current lifecycle state, its transition
// history, merge/recovery attempt counters, PR info, and last error. The
// history-capture shape is adapted from the teacher's checkpoint.ExecutionState
// (pkg/checkpoint/state.go), trimmed to the one thing the lifecycle engine
// actually needs to persist: state transitions, not full agent execution
// snapshots.
package gitstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orchestra/workload-orchestrator/pkg/errs"
)

// DefaultHistoryCap is the number of most-recent history entries retained
// (§4.2: "History is capped at a configurable length (default: 100)").
const DefaultHistoryCap = 100

// HistoryEntry records one lifecycle transition.
type HistoryEntry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PR captures the open pull request for this worker, if any.
type PR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// State is the full contents of a worker's git-state.json.
type State struct {
	WorkerID         string         `json:"worker_id"`
	TaskID           string         `json:"task_id"`
	CurrentState     string         `json:"current_state"`
	History          []HistoryEntry `json:"history"`
	MergeAttempts    int            `json:"merge_attempts"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	PR               *PR            `json:"pr,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	LastErrorAt      *time.Time     `json:"last_error_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Store reads and atomically rewrites one worker's git-state.json.
type Store struct {
	path       string
	historyCap int
}

// New creates a Store for the git-state.json at path, capping history at
// historyCap entries (DefaultHistoryCap if <= 0).
func New(path string, historyCap int) *Store {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Store{path: path, historyCap: historyCap}
}

// Init writes a brand-new git-state.json for a freshly spawned worker.
func (s *Store) Init(workerID, taskID, initialState string) (*State, error) {
	now := time.Now().UTC()
	st := &State{
		WorkerID:     workerID,
		TaskID:       taskID,
		CurrentState: initialState,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.write(st); err != nil {
		return nil, errs.New("gitstate.init", errs.CodeGeneric, err)
	}
	return st, nil
}

// GetState reads the current state from disk.
func (s *Store) GetState() (*State, error) {
	st, err := s.read()
	if err != nil {
		return nil, errs.New("gitstate.get_state", errs.CodeGeneric, err)
	}
	return st, nil
}

// SetState transitions to new, appending a history entry and bumping
// UpdatedAt. Writes atomically (write-to-temp + rename, §5 mechanism (a)).
func (s *Store) SetState(newState, source, reason string) (*State, error) {
	st, err := s.read()
	if err != nil {
		return nil, errs.New("gitstate.set_state", errs.CodeGeneric, err)
	}
	from := st.CurrentState
	st.History = append(st.History, HistoryEntry{
		From:      from,
		To:        newState,
		Event:     source,
		Source:    source,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	if len(st.History) > s.historyCap {
		st.History = st.History[len(st.History)-s.historyCap:]
	}
	st.CurrentState = newState
	st.UpdatedAt = time.Now().UTC()
	if err := s.write(st); err != nil {
		return nil, errs.New("gitstate.set_state", errs.CodeGeneric, err)
	}
	return st, nil
}

// Is reports whether the worker's current state equals want.
func (s *Store) Is(want string) (bool, error) {
	st, err := s.read()
	if err != nil {
		return false, errs.New("gitstate.is", errs.CodeGeneric, err)
	}
	return st.CurrentState == want, nil
}

// IncMergeAttempts increments and persists the merge attempt counter,
// returning the new count.
func (s *Store) IncMergeAttempts() (int, error) {
	st, err := s.read()
	if err != nil {
		return 0, errs.New("gitstate.inc_merge_attempts", errs.CodeGeneric, err)
	}
	st.MergeAttempts++
	st.UpdatedAt = time.Now().UTC()
	if err := s.write(st); err != nil {
		return 0, errs.New("gitstate.inc_merge_attempts", errs.CodeGeneric, err)
	}
	return st.MergeAttempts, nil
}

// IncRecoveryAttempts increments and persists the recovery attempt counter.
func (s *Store) IncRecoveryAttempts() (int, error) {
	st, err := s.read()
	if err != nil {
		return 0, errs.New("gitstate.inc_recovery_attempts", errs.CodeGeneric, err)
	}
	st.RecoveryAttempts++
	st.UpdatedAt = time.Now().UTC()
	if err := s.write(st); err != nil {
		return 0, errs.New("gitstate.inc_recovery_attempts", errs.CodeGeneric, err)
	}
	return st.RecoveryAttempts, nil
}

// SetPR records an opened pull request.
func (s *Store) SetPR(number int, url string) error {
	st, err := s.read()
	if err != nil {
		return errs.New("gitstate.set_pr", errs.CodeGeneric, err)
	}
	st.PR = &PR{Number: number, URL: url}
	st.UpdatedAt = time.Now().UTC()
	if err := s.write(st); err != nil {
		return errs.New("gitstate.set_pr", errs.CodeGeneric, err)
	}
	return nil
}

// SetError records the most recent failure message and timestamp.
func (s *Store) SetError(msg string) error {
	st, err := s.read()
	if err != nil {
		return errs.New("gitstate.set_error", errs.CodeGeneric, err)
	}
	now := time.Now().UTC()
	st.LastError = msg
	st.LastErrorAt = &now
	st.UpdatedAt = now
	if err := s.write(st); err != nil {
		return errs.New("gitstate.set_error", errs.CodeGeneric, err)
	}
	return nil
}

func (s *Store) read() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return &st, nil
}

func (s *Store) write(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal git-state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".git-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
