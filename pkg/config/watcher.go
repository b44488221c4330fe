// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits after the last event
// before calling onChange.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a directory for file changes and calls onChange with
// debouncing.
type Watcher struct {
	dir      string
	match    func(name string) bool
	onChange func(file string)
	logger   *zap.Logger

	// Debounce defaults to DefaultDebounce. Set before Start.
	Debounce time.Duration

	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a directory watcher. match filters file base names;
// a nil match accepts every file.
func NewWatcher(dir string, match func(name string) bool, onChange func(file string), logger *zap.Logger) *Watcher {
	if match == nil {
		match = func(string) bool { return true }
	}
	return &Watcher{
		dir:      dir,
		match:    match,
		onChange: onChange,
		logger:   logger,
		Debounce: DefaultDebounce,
		stopCh:   make(chan struct{}),
	}
}

// NewConfigWatcher watches dir for YAML changes and reloads it with LoadDir.
// onChange is called with the merged config and the name of the changed file.
// Reloads that fail to load or validate are logged and skipped; onError, if
// not nil, is told about them.
func NewConfigWatcher(dir string, onChange func(*Config, string), onError func(error), logger *zap.Logger) *Watcher {
	return NewWatcher(dir, YAMLFiles, func(file string) {
		cfg, err := LoadDir(dir)
		if err != nil {
			logger.Error("config reload failed", zap.String("file", file), zap.Error(err))
			if onError != nil {
				onError(err)
			}
			return
		}
		logger.Info("config reloaded", zap.String("trigger", file))
		onChange(cfg, file)
	}, logger)
}

// YAMLFiles matches .yaml and .yml files.
func YAMLFiles(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// FileNamed matches a single base name.
func FileNamed(base string) func(string) bool {
	return func(name string) bool { return name == base }
}

// Start begins watching the directory for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("file watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			file := filepath.Base(event.Name)
			if !w.match(file) {
				continue
			}
			// Editors that save by rename show up as Create.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			w.logger.Debug("watched file changed", zap.String("file", file))

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.Debounce, func() {
				w.fire(file)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) fire(file string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange(file)
}
