// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func recorder(order *[]string, name string) func(args ...any) error {
	return func(args ...any) error {
		*order = append(*order, name)
		return nil
	}
}

func TestAttachDetachCounts(t *testing.T) {
	e := New(Config{}, zap.NewNop())
	tr := func(args ...any) error { return nil }

	if err := e.Attach(AfterStep, tr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := e.Attach(AfterStep, tr); err == nil {
		t.Error("expected error attaching an occupied slot")
	}
	if !e.Attached(AfterStep) {
		t.Error("expected afterstep to be attached")
	}
	if err := e.Detach(AfterStep); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := e.Detach(AfterStep); err == nil {
		t.Error("expected error detaching an empty slot")
	}

	if got := e.AttachCount(AfterStep); got != 1 {
		t.Errorf("AttachCount = %d, want 1", got)
	}
	if got := e.DetachCount(AfterStep); got != 1 {
		t.Errorf("DetachCount = %d, want 1", got)
	}
}

func TestStepOrder(t *testing.T) {
	e := New(Config{Electrostatic: true, DiagInterval: 1}, zap.NewNop())
	var order []string
	for _, h := range []string{
		ParticleLoader, AfterInit, BeforeStep, BeforeCollisions, AfterCollisions,
		ParticleInjection, BeforeDeposition, AfterDeposition, BeforeESolve,
		PoissonSolver, AfterESolve, ParticleScraper, AfterStep, AfterDiagnostics,
	} {
		if err := e.Attach(h, recorder(&order, h)); err != nil {
			t.Fatalf("attach %s: %v", h, err)
		}
	}

	if err := e.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	want := []string{
		ParticleLoader, AfterInit, BeforeStep, BeforeCollisions, AfterCollisions,
		ParticleInjection, BeforeDeposition, AfterDeposition, BeforeESolve,
		PoissonSolver, AfterESolve, ParticleScraper, AfterStep, AfterDiagnostics,
	}
	if len(order) != len(want) {
		t.Fatalf("fired %d hooks, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
	if e.CurrentStep() != 1 {
		t.Errorf("CurrentStep = %d, want 1", e.CurrentStep())
	}
	if e.BuiltinSolves() != 0 {
		t.Errorf("BuiltinSolves = %d, want 0 with a poisson solver attached", e.BuiltinSolves())
	}
}

func TestBuiltinSolveWithoutPoissonSolver(t *testing.T) {
	e := New(Config{Electrostatic: true}, zap.NewNop())
	for i := 0; i < 3; i++ {
		if err := e.Step(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if e.BuiltinSolves() != 3 {
		t.Errorf("BuiltinSolves = %d, want 3", e.BuiltinSolves())
	}
}

func TestInitFiresOnce(t *testing.T) {
	e := New(Config{}, zap.NewNop())
	var order []string
	e.Attach(AfterInit, recorder(&order, AfterInit))

	e.Step()
	e.Step()
	if len(order) != 1 {
		t.Errorf("afterinit fired %d times, want 1", len(order))
	}
}

func TestDiagnosticsInterval(t *testing.T) {
	e := New(Config{DiagInterval: 2}, zap.NewNop())
	var order []string
	e.Attach(AfterDiagnostics, recorder(&order, AfterDiagnostics))

	if err := e.Run(context.Background(), 5); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 {
		t.Errorf("afterdiagnostics fired %d times, want 2", len(order))
	}
	if e.FireCount(AfterDiagnostics) != 2 {
		t.Errorf("FireCount = %d, want 2", e.FireCount(AfterDiagnostics))
	}
}

func TestHandlerErrorStopsRun(t *testing.T) {
	e := New(Config{}, zap.NewNop())
	boom := errors.New("boom")
	calls := 0
	e.Attach(AfterStep, func(args ...any) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	err := e.Run(context.Background(), 10)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if e.CurrentStep() != 2 {
		t.Errorf("CurrentStep = %d, want 2", e.CurrentStep())
	}
}

func TestRunCancelled(t *testing.T) {
	e := New(Config{StepDelay: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := e.Run(ctx, 100)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if e.CurrentStep() != 1 {
		t.Errorf("CurrentStep = %d, want 1", e.CurrentStep())
	}
}

func TestStepObserver(t *testing.T) {
	var steps []int
	e := New(Config{}, zap.NewNop(), WithStepObserver(func(step int, _ time.Duration) {
		steps = append(steps, step)
	}))
	e.Run(context.Background(), 3)
	if len(steps) != 3 || steps[2] != 3 {
		t.Errorf("observed steps = %v, want [1 2 3]", steps)
	}
}
