// Package outbox implements the effect outbox (§4.4): before the lifecycle
// engine runs a transition's declared effects, it records them as pending in
// a per-batch JSON file; each effect is marked completed as it succeeds.
// Idempotence of the effect itself is the caller's responsibility — the
// outbox only guarantees at-least-once delivery across crashes, via fsync
// before any effect executes.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is an outbox entry's lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Entry is one effect recorded for execution.
type Entry struct {
	BatchID     string          `json:"batch_id"`
	EntryID     string          `json:"entry_id"`
	EffectName  string          `json:"effect_name"`
	ArgsJSON    json.RawMessage `json:"args_json,omitempty"`
	ContextJSON json.RawMessage `json:"context_json,omitempty"`
	Status      Status          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
}

type batchFile struct {
	BatchID string  `json:"batch_id"`
	Entries []Entry `json:"entries"`
}

// Outbox addresses the effect-outbox directory of a single worker.
type Outbox struct {
	dir string
}

// New creates an Outbox rooted at dir (a worker's effect-outbox directory).
func New(dir string) *Outbox {
	return &Outbox{dir: dir}
}

// RecordPending writes a new batch file listing effectNames as pending
// entries, each carrying the same context. Returns the generated batch ID
// and the recorded entries (in effectNames order) so the caller can address
// each one by EntryID as it executes them.
func (o *Outbox) RecordPending(effectNames []string, argsByEffect map[string]json.RawMessage, contextJSON json.RawMessage) (string, []Entry, error) {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("outbox: create dir: %w", err)
	}
	batchID := uuid.NewString()
	now := time.Now().UTC()
	entries := make([]Entry, 0, len(effectNames))
	for i, name := range effectNames {
		entries = append(entries, Entry{
			BatchID:     batchID,
			EntryID:     fmt.Sprintf("%s-%d", batchID, i),
			EffectName:  name,
			ArgsJSON:    argsByEffect[name],
			ContextJSON: contextJSON,
			Status:      StatusPending,
			Timestamp:   now,
		})
	}
	bf := batchFile{BatchID: batchID, Entries: entries}
	if err := o.writeBatch(bf); err != nil {
		return "", nil, err
	}
	return batchID, entries, nil
}

// MarkCompleted flips one entry's status to completed and fsyncs the write.
func (o *Outbox) MarkCompleted(batchID, entryID string) error {
	bf, err := o.readBatch(batchID)
	if err != nil {
		return err
	}
	found := false
	for i := range bf.Entries {
		if bf.Entries[i].EntryID == entryID {
			bf.Entries[i].Status = StatusCompleted
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("outbox: entry %s not found in batch %s", entryID, batchID)
	}
	return o.writeBatch(bf)
}

// PendingEntries lists every pending entry across every batch file, oldest
// first, for inspection or manual intervention.
func (o *Outbox) PendingEntries() ([]Entry, error) {
	batches, err := o.allBatches()
	if err != nil {
		return nil, err
	}
	var pending []Entry
	for _, bf := range batches {
		for _, e := range bf.Entries {
			if e.Status == StatusPending {
				pending = append(pending, e)
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Timestamp.Before(pending[j].Timestamp) })
	return pending, nil
}

// ReplayPending executes every remaining pending entry across every batch
// file, one at a time, marking each completed on success. A failing effect
// is logged by the caller (via the returned error for that entry) and left
// pending for the next replay. Execution order is oldest-first.
func (o *Outbox) ReplayPending(execute func(Entry) error) []error {
	pending, err := o.PendingEntries()
	if err != nil {
		return []error{err}
	}
	var errsOut []error
	for _, entry := range pending {
		if err := execute(entry); err != nil {
			errsOut = append(errsOut, fmt.Errorf("outbox: effect %s (%s) failed: %w", entry.EffectName, entry.EntryID, err))
			continue
		}
		if err := o.MarkCompleted(entry.BatchID, entry.EntryID); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}

func (o *Outbox) batchPath(batchID string) string {
	return filepath.Join(o.dir, "batch-"+batchID+".json")
}

func (o *Outbox) readBatch(batchID string) (batchFile, error) {
	data, err := os.ReadFile(o.batchPath(batchID))
	if err != nil {
		return batchFile{}, fmt.Errorf("outbox: read batch %s: %w", batchID, err)
	}
	var bf batchFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return batchFile{}, fmt.Errorf("outbox: parse batch %s: %w", batchID, err)
	}
	return bf, nil
}

func (o *Outbox) allBatches() ([]batchFile, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("outbox: list dir: %w", err)
	}
	var batches []batchFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.dir, e.Name()))
		if err != nil {
			continue
		}
		var bf batchFile
		if err := json.Unmarshal(data, &bf); err != nil {
			continue
		}
		batches = append(batches, bf)
	}
	return batches, nil
}

// writeBatch fsyncs the batch file before returning, so a crash never leaves
// effects recorded only in memory (§4.4: "must fsync before the effects
// begin").
func (o *Outbox) writeBatch(bf batchFile) error {
	data, err := json.MarshalIndent(bf, "", "  ")
	if err != nil {
		return fmt.Errorf("outbox: marshal batch: %w", err)
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return fmt.Errorf("outbox: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(o.dir, ".batch-*.tmp")
	if err != nil {
		return fmt.Errorf("outbox: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("outbox: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("outbox: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("outbox: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, o.batchPath(bf.BatchID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("outbox: rename temp file: %w", err)
	}
	return nil
}
