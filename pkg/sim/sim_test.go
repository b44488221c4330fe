// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sim

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

const hooksScript = `
count = 0
function myplots()
	count = count + 1
end
function solve() end
hooks.install("afterstep", "myplots")
`

func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.Steps = 3
	cfg.Report.MinTotal = 0
	if script != "" {
		path := filepath.Join(t.TempDir(), "hooks.lua")
		if err := os.WriteFile(path, []byte(script), 0644); err != nil {
			t.Fatal(err)
		}
		cfg.Script.Path = path
	}
	return cfg
}

func newSim(t *testing.T, cfg *config.Config) *Sim {
	t.Helper()
	s, err := New(cfg, "test", zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestRunWithScript(t *testing.T) {
	cfg := testConfig(t, hooksScript)
	cfg.Hooks.Preinstall = map[string][]string{"poissonsolver": {"solve"}}
	s := newSim(t, cfg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if v, _ := s.Namespace().Resolve("count"); v != 3.0 {
		t.Errorf("expected myplots to run 3 times, got %v", v)
	}
	if s.Engine().BuiltinSolves() != 0 {
		t.Error("expected the preinstalled poissonsolver to replace the builtin solve")
	}
	if got := testutil.ToFloat64(s.Metrics().Steps); got != 3 {
		t.Errorf("expected 3 steps counted, got %v", got)
	}

	var buf bytes.Buffer
	if err := s.WriteReport(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "afterstep myplots") {
		t.Errorf("expected myplots in report, got:\n%s", buf.String())
	}
}

func TestBuiltinHandlers(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.txt")
	cfg := testConfig(t, "")
	cfg.Report.Output = out
	cfg.Report.MinTotal = -1 // include timers that rounded to zero
	cfg.Hooks.Preinstall = map[string][]string{
		"afterstep":        {"logstep", "gohandler"},
		"afterdiagnostics": {"reportnow"},
	}
	s := newSim(t, cfg)

	calls := 0
	s.Builtins().Set("gohandler", callback.NewFunc("gohandler", func(args ...any) error {
		calls++
		return nil
	}))

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected gohandler to run 3 times, got %d", calls)
	}

	var names []string
	for _, tm := range s.Table().Hook(callback.AfterStep).Timers() {
		names = append(names, tm.Handler)
	}
	if strings.Join(names, ",") != "logstep,gohandler" {
		t.Errorf("timers = %v, want [logstep gohandler]", names)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reportnow did not write the report: %v", err)
	}
	if !strings.Contains(string(data), "afterstep logstep") {
		t.Errorf("report missing logstep timer:\n%s", data)
	}
}

func TestScriptShadowsBuiltin(t *testing.T) {
	cfg := testConfig(t, `
function logstep() shadowed = true end
hooks.install("afterstep", "logstep")
`)
	s := newSim(t, cfg)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v, _ := s.Namespace().Resolve("shadowed"); v != true {
		t.Errorf("expected the script logstep to win over the builtin, got %v", v)
	}
}

func TestNewFailsOnBadScript(t *testing.T) {
	cfg := testConfig(t, "this is not lua")
	if _, err := New(cfg, "test", zap.NewNop()); err == nil {
		t.Fatal("expected error for invalid script")
	}

	cfg = testConfig(t, "")
	cfg.Script.Path = filepath.Join(t.TempDir(), "missing.lua")
	if _, err := New(cfg, "test", zap.NewNop()); err == nil {
		t.Fatal("expected error for missing script")
	}
}

func TestNewFailsOnSingleSlotConflict(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Hooks.Preinstall = map[string][]string{"poissonsolver": {"a", "b"}}
	_, err := New(cfg, "test", zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "already has a handler") {
		t.Fatalf("expected single-slot error, got %v", err)
	}
}

func TestRunCountsStepErrors(t *testing.T) {
	s := newSim(t, testConfig(t, `
function bad() error("diverged") end
hooks.install("beforestep", "bad")
`))
	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "diverged") {
		t.Fatalf("expected handler error, got %v", err)
	}
	if got := testutil.ToFloat64(s.Metrics().StepErrors); got != 1 {
		t.Errorf("expected 1 step error, got %v", got)
	}
}

func TestHealthServer(t *testing.T) {
	cfg := testConfig(t, hooksScript)
	cfg.Health.Enabled = true
	cfg.Health.Port = "127.0.0.1:0"
	s := newSim(t, cfg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	base := "http://" + s.HealthAddr()
	for path, want := range map[string]string{
		"/metrics":         "simhooks_steps_total 3",
		"/hooks/afterstep": `"handlers":["direct:myplots"]`,
		"/ready":           "ready",
	} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(body), want) {
			t.Errorf("%s: expected %q in body:\n%s", path, want, body)
		}
	}
}

func TestReloadTogglesHealth(t *testing.T) {
	cfg := testConfig(t, "")
	s := newSim(t, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.HealthAddr() != "" {
		t.Fatal("health should be off by default")
	}

	next := *cfg
	next.Health.Enabled = true
	next.Health.Port = "127.0.0.1:0"
	if err := s.Reload(&next); err != nil {
		t.Fatal(err)
	}
	if s.HealthAddr() == "" {
		t.Fatal("health not started on reload")
	}

	off := next
	off.Health.Enabled = false
	if err := s.Reload(&off); err != nil {
		t.Fatal(err)
	}
	if s.HealthAddr() != "" {
		t.Error("health not stopped on reload")
	}
	if got := testutil.ToFloat64(s.Metrics().ConfigReloads); got != 2 {
		t.Errorf("expected 2 config reloads, got %v", got)
	}
}

func TestScriptWatchReloads(t *testing.T) {
	cfg := testConfig(t, `function f() mark = "v1" end
hooks.install("afterstep", "f")
`)
	cfg.Script.Watch = true
	s := newSim(t, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	src := `function f() mark = "v2" end
hooks.install("afterstep", "f")
`
	if err := os.WriteFile(cfg.Script.Path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Namespace().Loads() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if s.Namespace().Loads() < 2 {
		t.Fatal("script not reloaded")
	}

	if err := s.Engine().Step(); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Namespace().Resolve("mark"); v != "v2" {
		t.Errorf("expected reloaded handler, got %v", v)
	}
	if n := s.Table().Hook(callback.AfterStep).Len(); n != 1 {
		t.Errorf("expected one handler after reload, got %d", n)
	}
}

func TestReportToFile(t *testing.T) {
	cfg := testConfig(t, hooksScript)
	cfg.Report.Format = "json"
	cfg.Report.Output = filepath.Join(t.TempDir(), "timers.jsonl")
	s := newSim(t, cfg)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Report(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(cfg.Report.Output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"_type":"timer"`) {
		t.Errorf("unexpected report file:\n%s", data)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := newSim(t, testConfig(t, hooksScript))
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.Table().Hook(callback.AfterStep).Attached() {
		t.Error("expected hooks detached after stop")
	}
	if err := s.Reload(config.DefaultConfig()); err == nil {
		t.Error("expected reload after stop to fail")
	}
}
