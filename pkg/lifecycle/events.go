package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EventRecord is one line of a worker's events.jsonl.
type EventRecord struct {
	Event     string         `json:"event"`
	Source    string         `json:"source"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// appendEvent appends rec to path, opening in append mode like the
// teacher's logger.OpenLogFile, and fsyncs before returning so the record is
// durable before any effect tied to it executes (§4.3 step 6, §5 mechanism
// (b): "append-only event log, written before any side effect").
func appendEvent(path string, rec EventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("lifecycle: open events log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("lifecycle: write event: %w", err)
	}
	return f.Sync()
}
