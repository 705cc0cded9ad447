package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ConflictEntry is one unbatched worker waiting on the conflict queue,
// pending grouping into a ConflictBatch (§3: "Conflict group", §4.10 step 5).
type ConflictEntry struct {
	TaskID string   `json:"task_id"`
	Files  []string `json:"files"`
}

// ConflictBatch groups ≥2 conflict entries whose files overlap; members
// resolve strictly in position order (§3, §4.10 step 5, §4.11).
type ConflictBatch struct {
	ID       string   `json:"id"`
	Members  []string `json:"members"` // task ids, in resolution order
	Files    []string `json:"files"`
	Status   string   `json:"status"` // pending|planning|resolved|failed
	Position int      `json:"position"`
}

// ActiveMember returns the task id whose turn it currently is, or "" if the
// batch has exhausted its members.
func (b *ConflictBatch) ActiveMember() string {
	if b.Position < 0 || b.Position >= len(b.Members) {
		return ""
	}
	return b.Members[b.Position]
}

// Advance moves the batch to the next position, called once the active
// member's resolution event has published successfully (§4.10 step 5:
// "release the next position only when the current has published a
// successful resolution event").
func (b *ConflictBatch) Advance() {
	b.Position++
	if b.Position >= len(b.Members) {
		b.Status = "resolved"
	}
}

// Queue is the on-disk conflict-queue.json document: unbatched pending
// entries plus active batches.
type Queue struct {
	Pending []ConflictEntry            `json:"pending"`
	Batches map[string]*ConflictBatch  `json:"batches"`
	nextID  int
	path    string
}

// NewQueue creates an empty, in-memory queue rooted at path (the
// conflict-queue.json file it will be persisted to).
func NewQueue(path string) *Queue {
	return &Queue{Batches: make(map[string]*ConflictBatch), path: path}
}

// Load reads conflict-queue.json, or returns an empty queue if absent.
func Load(path string) (*Queue, error) {
	q := NewQueue(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, fmt.Errorf("scheduler: read conflict queue: %w", err)
	}
	var doc struct {
		Pending []ConflictEntry            `json:"pending"`
		Batches map[string]*ConflictBatch  `json:"batches"`
		NextID  int                        `json:"next_id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scheduler: parse conflict queue: %w", err)
	}
	q.Pending = doc.Pending
	if doc.Batches != nil {
		q.Batches = doc.Batches
	}
	q.nextID = doc.NextID
	return q, nil
}

// Save persists the queue atomically.
func (q *Queue) Save() error {
	doc := struct {
		Pending []ConflictEntry           `json:"pending"`
		Batches map[string]*ConflictBatch `json:"batches"`
		NextID  int                       `json:"next_id"`
	}{Pending: q.Pending, Batches: q.Batches, NextID: q.nextID}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal conflict queue: %w", err)
	}
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("scheduler: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".conflict-queue-*.tmp")
	if err != nil {
		return fmt.Errorf("scheduler: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scheduler: rename temp file: %w", err)
	}
	return nil
}

// AddPending appends an unbatched conflict entry.
func (q *Queue) AddPending(taskID string, files []string) {
	q.Pending = append(q.Pending, ConflictEntry{TaskID: taskID, Files: files})
}

// RemoveMember drops taskID from the unbatched pending list and from every
// batch's member list once its resolution has published successfully
// (§4.10 step 5, §4.11's rm_conflict_queue_entry effect). A batch left with
// no members is deleted outright; one with remaining members keeps its
// position, clamped if the removed member was ahead of it.
func (q *Queue) RemoveMember(taskID string) {
	pending := q.Pending[:0]
	for _, e := range q.Pending {
		if e.TaskID != taskID {
			pending = append(pending, e)
		}
	}
	q.Pending = pending

	for id, b := range q.Batches {
		idx := -1
		for i, m := range b.Members {
			if m == taskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		b.Members = append(b.Members[:idx], b.Members[idx+1:]...)
		if len(b.Members) == 0 {
			delete(q.Batches, id)
			continue
		}
		if b.Position > idx {
			b.Position--
		}
		if b.Position >= len(b.Members) {
			b.Position = len(b.Members) - 1
		}
	}
}

// GroupPending groups every pending entry whose files overlap with another
// pending entry's into batches of ≥2, assigning each a batch id and
// position (§4.10 step 5). Entries that overlap with nothing stay pending.
func (q *Queue) GroupPending() []*ConflictBatch {
	assigned := make(map[int]bool)
	var newBatches []*ConflictBatch

	for i := 0; i < len(q.Pending); i++ {
		if assigned[i] {
			continue
		}
		group := []int{i}
		for j := i + 1; j < len(q.Pending); j++ {
			if assigned[j] {
				continue
			}
			if filesOverlap(q.Pending[i].Files, q.Pending[j].Files) {
				group = append(group, j)
			}
		}
		if len(group) < 2 {
			continue
		}
		for _, idx := range group {
			assigned[idx] = true
		}

		sort.Slice(group, func(a, b int) bool {
			return q.Pending[group[a]].TaskID < q.Pending[group[b]].TaskID
		})
		members := make([]string, len(group))
		var files []string
		for k, idx := range group {
			members[k] = q.Pending[idx].TaskID
			files = append(files, q.Pending[idx].Files...)
		}

		q.nextID++
		batch := &ConflictBatch{
			ID:      fmt.Sprintf("batch-%d", q.nextID),
			Members: members,
			Files:   dedupeFiles(files),
			Status:  "pending",
		}
		q.Batches[batch.ID] = batch
		newBatches = append(newBatches, batch)
	}

	if len(newBatches) > 0 {
		remaining := q.Pending[:0]
		for i, e := range q.Pending {
			if !assigned[i] {
				remaining = append(remaining, e)
			}
		}
		q.Pending = remaining
	}
	return newBatches
}

func dedupeFiles(files []string) []string {
	seen := make(map[string]bool, len(files))
	var out []string
	for _, f := range files {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
