package main

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ralphDirWatcher notices external edits to kanban.md and pipeline-config.json
// (an operator's text editor, a git pull, a CI job) and nudges the
// scheduler loop to tick immediately instead of waiting out the rest of the
// current tick_interval (§4.10, §6). It shares pkg/config.Loader's
// debounced-fsnotify shape, applied here to the two files that aren't
// already covered by the config file watch.
type ralphDirWatcher struct {
	watcher *fsnotify.Watcher
	changed chan struct{}
}

// watchedBasenames are the files whose external edits should wake the
// scheduler early; orchestrator.yaml is excluded since config.Loader.Watch
// already owns it.
var watchedBasenames = map[string]bool{
	"kanban.md":            true,
	"pipeline-config.json": true,
}

// startRalphDirWatcher watches ralphDir and returns a watcher whose changed
// channel receives a (coalesced) signal after a watched file's write
// settles. Call Close when done.
func startRalphDirWatcher(ralphDir string) (*ralphDirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(ralphDir); err != nil {
		w.Close()
		return nil, err
	}

	rw := &ralphDirWatcher{watcher: w, changed: make(chan struct{}, 1)}
	go rw.run()
	return rw, nil
}

func (rw *ralphDirWatcher) run() {
	var debounce *time.Timer
	debounceDelay := 200 * time.Millisecond
	notify := func() {
		select {
		case rw.changed <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if !watchedBasenames[filepath.Base(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, notify)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("run: ralph dir watcher error", "error", err)
		}
	}
}

// Changed signals once per coalesced batch of watched-file writes.
func (rw *ralphDirWatcher) Changed() <-chan struct{} {
	return rw.changed
}

func (rw *ralphDirWatcher) Close() error {
	return rw.watcher.Close()
}
