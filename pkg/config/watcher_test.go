// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMatchers(t *testing.T) {
	if !YAMLFiles("base.yaml") || !YAMLFiles("hooks.yml") || YAMLFiles("hooks.lua") {
		t.Error("YAMLFiles matched the wrong names")
	}
	m := FileNamed("hooks.lua")
	if !m("hooks.lua") || m("other.lua") {
		t.Error("FileNamed matched the wrong names")
	}
}

func TestWatcherDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan string, 4)

	w := NewWatcher(dir, FileNamed("hooks.lua"), func(file string) { changed <- file }, zap.NewNop())
	w.Debounce = 100 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "ignored.txt", "x")
	for i := 0; i < 3; i++ {
		writeFile(t, dir, "hooks.lua", "x = 1")
	}

	select {
	case file := <-changed:
		if file != "hooks.lua" {
			t.Errorf("expected hooks.lua, got %q", file)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	select {
	case file := <-changed:
		t.Errorf("expected a single debounced call, got another for %q", file)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConfigWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "engine:\n  steps: 1\n")

	got := make(chan *Config, 4)
	w := NewConfigWatcher(dir, func(cfg *Config, _ string) { got <- cfg }, nil, zap.NewNop())
	w.Debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "base.yaml", "engine:\n  steps: 42\n")

	select {
	case cfg := <-got:
		if cfg.Engine.Steps != 42 {
			t.Errorf("expected steps=42, got %d", cfg.Engine.Steps)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config not reloaded")
	}
}

func TestConfigWatcherReportsInvalid(t *testing.T) {
	dir := t.TempDir()
	errs := make(chan error, 4)
	w := NewConfigWatcher(dir, func(*Config, string) { t.Error("invalid config applied") },
		func(err error) { errs <- err }, zap.NewNop())
	w.Debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "base.yaml", "engine:\n  steps: -5\n")

	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("validation error not reported")
	}
}
