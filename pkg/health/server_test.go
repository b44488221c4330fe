// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func get(t *testing.T, h http.Handler, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestHealthEndpoint(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "1.0.0-test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
	if hr.Step != nil {
		t.Errorf("expected no step without a stepper, got %d", *hr.Step)
	}
	if hr.Process == nil || hr.Process.Goroutines == 0 {
		t.Errorf("expected process stats, got %+v", hr.Process)
	}
}

func TestHealthReportsStep(t *testing.T) {
	eng := engine.New(engine.Config{}, zap.NewNop())
	if err := eng.Step(); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(":0", "test", NewStats(), zap.NewNop(), WithStepper(eng))

	var hr healthResponse
	if err := json.NewDecoder(get(t, srv.Router(), "/health").Body).Decode(&hr); err != nil {
		t.Fatal(err)
	}
	if hr.Step == nil || *hr.Step != 1 {
		t.Errorf("expected step=1, got %v", hr.Step)
	}
}

func TestReadyEndpoint_NotReady(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyEndpoint_Ready(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "test", stats, zap.NewNop())
	srv.SetReady(true)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	steps := prometheus.NewCounter(prometheus.CounterOpts{Name: "simhooks_steps_total", Help: "steps"})
	reg.MustRegister(steps)
	steps.Add(42)

	srv := NewServer(":0", "test", NewStats(), zap.NewNop(), WithGatherer(reg))
	resp := get(t, srv.Router(), "/metrics")
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "simhooks_steps_total 42") {
		t.Errorf("expected simhooks_steps_total 42 in metrics output, got:\n%s", body)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	srv := NewServer(":0", "test", NewStats(), zap.NewNop())
	for _, path := range []string{"/metrics", "/hooks"} {
		if code := get(t, srv.Router(), path).StatusCode; code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, code)
		}
	}
}

func TestHooksEndpoint(t *testing.T) {
	eng := engine.New(engine.Config{}, zap.NewNop())
	tbl := callback.NewTable(eng, nil, zap.NewNop())
	defer tbl.Close()
	if err := tbl.Hook(callback.AfterStep).Install(callback.Named("myplots")); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(":0", "test", NewStats(), zap.NewNop(), WithHooks(tbl))

	var views []hookView
	if err := json.NewDecoder(get(t, srv.Router(), "/hooks").Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != len(callback.Names()) {
		t.Fatalf("expected %d hooks, got %d", len(callback.Names()), len(views))
	}

	resp := get(t, srv.Router(), "/hooks/afterstep")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var v hookView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if !v.Attached || v.AttachmentID == "" {
		t.Errorf("expected afterstep attached with an id, got %+v", v)
	}
	if len(v.Handlers) != 1 || v.Handlers[0] != "named:myplots" {
		t.Errorf("unexpected handlers %v", v.Handlers)
	}

	resp = get(t, srv.Router(), "/hooks/poissonsolver")
	json.NewDecoder(resp.Body).Decode(&v)
	if !v.SingleSlot || v.Attached {
		t.Errorf("expected unattached single-slot poissonsolver, got %+v", v)
	}

	if code := get(t, srv.Router(), "/hooks/nosuchhook").StatusCode; code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown hook, got %d", code)
	}
}

func TestServerStartStop(t *testing.T) {
	stats := NewStats()
	srv := NewServer("127.0.0.1:0", "test", stats, zap.NewNop())

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}
