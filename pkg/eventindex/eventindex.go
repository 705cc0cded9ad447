// Package eventindex is an optional sqlite-backed secondary index over
// every worker's events.jsonl (§4.12). The JSONL files under workers/ are
// the source of truth; this index is a disposable read-side projection,
// rebuilt from scratch whenever asked, so cross-worker queries ("everything
// that happened to TASK-007", "every merge.conflict this week") don't
// require scanning every worker directory by hand.
package eventindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orchestra/workload-orchestrator/pkg/lifecycle"
	"github.com/orchestra/workload-orchestrator/pkg/workerdir"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	task_id    TEXT NOT NULL,
	worker_dir TEXT NOT NULL,
	event      TEXT NOT NULL,
	source     TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	data_json  TEXT,
	timestamp  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS events_task_id ON events(task_id);
CREATE INDEX IF NOT EXISTS events_event ON events(event);
CREATE INDEX IF NOT EXISTS events_timestamp ON events(timestamp);
`

// Index wraps the sqlite database backing the event index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("eventindex: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventindex: create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Rebuild truncates the index and reloads it from every worker directory's
// events.jsonl under workersRoot, returning the number of rows loaded.
func (ix *Index) Rebuild(workersRoot string) (int, error) {
	tx, err := ix.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("eventindex: begin: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM events`); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("eventindex: clear: %w", err)
	}

	entries, err := os.ReadDir(workersRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, tx.Commit()
		}
		tx.Rollback()
		return 0, fmt.Errorf("eventindex: list workers: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO events (task_id, worker_dir, event, source, from_state, to_state, data_json, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("eventindex: prepare insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		workerPath := filepath.Join(workersRoot, e.Name())
		dir := workerdir.Open(workerPath)
		records, err := readEvents(dir.EventsPath())
		if err != nil {
			continue
		}
		for _, rec := range records {
			var dataJSON string
			if len(rec.Data) > 0 {
				if raw, err := json.Marshal(rec.Data); err == nil {
					dataJSON = string(raw)
				}
			}
			if _, err := stmt.Exec(dir.TaskID(), workerPath, rec.Event, rec.Source, rec.From, rec.To, dataJSON, rec.Timestamp); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("eventindex: insert: %w", err)
			}
			n++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventindex: commit: %w", err)
	}
	return n, nil
}

// Row is one indexed event, denormalized for query results.
type Row struct {
	TaskID    string
	WorkerDir string
	Event     string
	Source    string
	FromState string
	ToState   string
	DataJSON  string
	Timestamp time.Time
}

// ByTask returns every indexed event for taskID, oldest first.
func (ix *Index) ByTask(taskID string) ([]Row, error) {
	return ix.query(`SELECT task_id, worker_dir, event, source, from_state, to_state, data_json, timestamp FROM events WHERE task_id = ? ORDER BY timestamp ASC`, taskID)
}

// ByEvent returns every indexed event named event, oldest first.
func (ix *Index) ByEvent(event string) ([]Row, error) {
	return ix.query(`SELECT task_id, worker_dir, event, source, from_state, to_state, data_json, timestamp FROM events WHERE event = ? ORDER BY timestamp ASC`, event)
}

func (ix *Index) query(q string, args ...any) ([]Row, error) {
	rows, err := ix.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("eventindex: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.TaskID, &r.WorkerDir, &r.Event, &r.Source, &r.FromState, &r.ToState, &r.DataJSON, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("eventindex: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// readEvents parses a worker's events.jsonl into records, tolerating a
// trailing partial line left by a crash mid-write.
func readEvents(path string) ([]lifecycle.EventRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []lifecycle.EventRecord
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var rec lifecycle.EventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
