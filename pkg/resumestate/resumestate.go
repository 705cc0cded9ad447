// Package resumestate persists per-worker retry accounting
// (resume-state.json, §4.9): how many times a worker has been resumed, when
// it last attempted, whether it has been cooled down or made terminal, and
// a short history of past decisions. It follows the same
// read-mutate-write-atomically shape as pkg/gitstate.
package resumestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HistoryEntry records one resume decision applied to this worker.
type HistoryEntry struct {
	Decision  string    `json:"decision"`
	Pipeline  string    `json:"pipeline,omitempty"`
	Step      string    `json:"step,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the full resume-state.json document.
type State struct {
	AttemptCount   int            `json:"attempt_count"`
	MaxAttempts    int            `json:"max_attempts"`
	LastAttemptAt  time.Time      `json:"last_attempt_at,omitempty"`
	CooldownUntil  time.Time      `json:"cooldown_until,omitempty"`
	Terminal       bool           `json:"terminal"`
	TerminalReason string         `json:"terminal_reason,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
}

const defaultHistoryCap = 50

// Store reads/writes one worker's resume-state.json.
type Store struct {
	path        string
	maxAttempts int
	historyCap  int
}

// New creates a Store at path with the given max_attempts ceiling.
func New(path string, maxAttempts int) *Store {
	return &Store{path: path, maxAttempts: maxAttempts, historyCap: defaultHistoryCap}
}

// Read loads the current state, returning zero-value defaults (seeded with
// maxAttempts) if the file doesn't exist yet.
func (s *Store) Read() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{MaxAttempts: s.maxAttempts}, nil
		}
		return State{}, fmt.Errorf("resumestate: read %s: %w", s.path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("resumestate: parse %s: %w", s.path, err)
	}
	return st, nil
}

// Write persists st atomically.
func (s *Store) Write(st State) error {
	dir := filepath.Dir(s.path)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("resumestate: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".resume-state-*.tmp")
	if err != nil {
		return fmt.Errorf("resumestate: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("resumestate: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("resumestate: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("resumestate: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("resumestate: rename temp file: %w", err)
	}
	return nil
}

// Increment records one resume decision and bumps attempt_count/last_attempt_at
// (§4.9: "RETRY only increments").
func (s *Store) Increment(decision, pipeline, step, reason string) error {
	st, err := s.Read()
	if err != nil {
		return err
	}
	st.AttemptCount++
	st.LastAttemptAt = time.Now().UTC()
	st.History = append(st.History, HistoryEntry{
		Decision: decision, Pipeline: pipeline, Step: step, Reason: reason,
		Timestamp: st.LastAttemptAt,
	})
	if len(st.History) > s.historyCap {
		st.History = st.History[len(st.History)-s.historyCap:]
	}
	return s.Write(st)
}

// SetTerminal marks the worker as done retrying (COMPLETE or ABORT, §4.9).
func (s *Store) SetTerminal(reason string) error {
	st, err := s.Read()
	if err != nil {
		return err
	}
	st.Terminal = true
	st.TerminalReason = reason
	return s.Write(st)
}

// SetCooldown sets cooldown_until seconds from now (DEFER, §4.9).
func (s *Store) SetCooldown(seconds int) error {
	st, err := s.Read()
	if err != nil {
		return err
	}
	st.CooldownUntil = time.Now().UTC().Add(time.Duration(seconds) * time.Second)
	return s.Write(st)
}

// IsTerminal reports whether the worker has reached a terminal resume state.
func (s *Store) IsTerminal() (bool, error) {
	st, err := s.Read()
	if err != nil {
		return false, err
	}
	return st.Terminal, nil
}

// IsCooling reports whether the worker is still inside its cooldown window.
func (s *Store) IsCooling() (bool, error) {
	st, err := s.Read()
	if err != nil {
		return false, err
	}
	return st.CooldownUntil.After(time.Now().UTC()), nil
}

// MaxExceeded reports whether attempt_count has reached max_attempts.
func (s *Store) MaxExceeded() (bool, error) {
	st, err := s.Read()
	if err != nil {
		return false, err
	}
	max := st.MaxAttempts
	if max == 0 {
		max = s.maxAttempts
	}
	return max > 0 && st.AttemptCount >= max, nil
}
