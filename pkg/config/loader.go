// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Loader loads orchestrator.yaml, applies env var overrides, and can watch
// the file for external edits (mirrors the teacher's
// pkg/config/loader.go + provider/file.go pair).
type Loader struct {
	path     string
	onChange func(*Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewLoader creates a Loader reading from path.
func NewLoader(path string, onChange func(*Config)) *Loader {
	return &Loader{path: path, onChange: onChange}
}

// Load reads, parses, overrides, defaults, and validates the config.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	_ = ctx
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyEnvOverrides(reflect.ValueOf(cfg))
	cfg.SetDefaults()

	if err := resolvePrompts(&cfg.Prompts); err != nil {
		return nil, fmt.Errorf("resolve prompts: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Watch blocks, reloading and invoking onChange whenever the config file
// changes on disk, until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	base := filepath.Base(l.path)
	var debounce *time.Timer
	debounceDelay := 200 * time.Millisecond
	reload := func() {
		cfg, err := l.Load(ctx)
		if err != nil {
			slog.Error("config: reload failed", "error", err)
			return
		}
		if l.onChange != nil {
			l.onChange(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}

// Close stops an in-progress Watch.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// resolvePrompts resolves each of the four prompt-wrapper strings: a value
// of the form "@path/to/file" is read from disk, everything else is used
// literally (§4.5).
func resolvePrompts(p *PromptsConfig) error {
	fields := []*string{&p.PreSystem, &p.PostSystem, &p.PreUser, &p.PostUser}
	for _, f := range fields {
		if !strings.HasPrefix(*f, "@") {
			continue
		}
		path := strings.TrimPrefix(*f, "@")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read prompt file %s: %w", path, err)
		}
		*f = string(data)
	}
	return nil
}
