// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package engine is an in-process stand-in for the native simulation
// engine. It owns one trampoline slot per hook and fires them in the
// order a particle-in-cell time step would.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/simhooks/pkg/native"
	"go.uber.org/zap"
)

// Hook slot names, matching the callback catalogue.
const (
	AfterInit         = "afterinit"
	BeforeCollisions  = "beforecollisions"
	AfterCollisions   = "aftercollisions"
	BeforeESolve      = "beforeEsolve"
	PoissonSolver     = "poissonsolver"
	AfterESolve       = "afterEsolve"
	BeforeDeposition  = "beforedeposition"
	AfterDeposition   = "afterdeposition"
	ParticleScraper   = "particlescraper"
	ParticleLoader    = "particleloader"
	BeforeStep        = "beforestep"
	AfterStep         = "afterstep"
	AfterDiagnostics  = "afterdiagnostics"
	ParticleInjection = "particleinjection"
)

// Config controls the simulated run.
type Config struct {
	// Electrostatic runs a field solve every step. An attached
	// poissonsolver trampoline replaces the built-in solve.
	Electrostatic bool
	// DiagInterval fires afterdiagnostics every n steps; 0 disables it.
	DiagInterval int
	// StepDelay sleeps between steps in Run.
	StepDelay time.Duration
}

// Engine implements native.Table.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	slots    map[string]native.Trampoline
	attaches map[string]int
	detaches map[string]int
	fires    map[string]int

	step          atomic.Int64
	builtinSolves atomic.Int64
	initialized   atomic.Bool
	onStep        func(step int, elapsed time.Duration)
}

var _ native.Table = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithStepObserver calls fn after every completed step.
func WithStepObserver(fn func(step int, elapsed time.Duration)) Option {
	return func(e *Engine) {
		e.onStep = fn
	}
}

// New creates an engine at step 0.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		slots:    make(map[string]native.Trampoline),
		attaches: make(map[string]int),
		detaches: make(map[string]int),
		fires:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Attach(hook string, t native.Trampoline) error {
	if t == nil {
		return fmt.Errorf("attach %s: nil trampoline", hook)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.slots[hook]; ok {
		return fmt.Errorf("attach %s: slot already in use", hook)
	}
	e.slots[hook] = t
	e.attaches[hook]++
	return nil
}

func (e *Engine) Detach(hook string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.slots[hook]; !ok {
		return fmt.Errorf("detach %s: slot is empty", hook)
	}
	delete(e.slots, hook)
	e.detaches[hook]++
	return nil
}

func (e *Engine) CurrentStep() int {
	return int(e.step.Load())
}

// Attached reports whether hook has a trampoline.
func (e *Engine) Attached(hook string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.slots[hook]
	return ok
}

// AttachCount returns how many times hook was attached.
func (e *Engine) AttachCount(hook string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attaches[hook]
}

// DetachCount returns how many times hook was detached.
func (e *Engine) DetachCount(hook string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detaches[hook]
}

// FireCount returns how many times hook fired with a trampoline attached.
func (e *Engine) FireCount(hook string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fires[hook]
}

// BuiltinSolves returns how many field solves the engine did itself.
func (e *Engine) BuiltinSolves() int {
	return int(e.builtinSolves.Load())
}

// Fire invokes the trampoline attached to hook, if any. The slot lock is
// released before the trampoline runs so handlers can install and
// uninstall freely.
func (e *Engine) Fire(hook string, args ...any) error {
	e.mu.Lock()
	t, ok := e.slots[hook]
	if ok {
		e.fires[hook]++
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	if err := t(args...); err != nil {
		return fmt.Errorf("step %d: %s: %w", e.CurrentStep(), hook, err)
	}
	return nil
}

// Init loads particles and fires afterinit. It runs once; Step calls it
// if needed.
func (e *Engine) Init() error {
	if !e.initialized.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.Fire(ParticleLoader); err != nil {
		return err
	}
	if err := e.Fire(AfterInit); err != nil {
		return err
	}
	e.logger.Info("simulation initialized",
		zap.Bool("electrostatic", e.cfg.Electrostatic),
		zap.Int("diag_interval", e.cfg.DiagInterval),
	)
	return nil
}

// Step advances the simulation by one time step.
func (e *Engine) Step() error {
	if err := e.Init(); err != nil {
		return err
	}

	start := time.Now()
	for _, hook := range []string{BeforeStep, BeforeCollisions, AfterCollisions, ParticleInjection, BeforeDeposition, AfterDeposition} {
		if err := e.Fire(hook); err != nil {
			return err
		}
	}

	if e.cfg.Electrostatic {
		if err := e.fieldSolve(); err != nil {
			return err
		}
	}

	if err := e.Fire(ParticleScraper); err != nil {
		return err
	}

	step := int(e.step.Add(1))
	if err := e.Fire(AfterStep); err != nil {
		return err
	}
	if e.cfg.DiagInterval > 0 && step%e.cfg.DiagInterval == 0 {
		if err := e.Fire(AfterDiagnostics); err != nil {
			return err
		}
	}

	if e.onStep != nil {
		e.onStep(step, time.Since(start))
	}
	return nil
}

func (e *Engine) fieldSolve() error {
	if err := e.Fire(BeforeESolve); err != nil {
		return err
	}
	if e.Attached(PoissonSolver) {
		if err := e.Fire(PoissonSolver); err != nil {
			return err
		}
	} else {
		e.builtinSolves.Add(1)
	}
	return e.Fire(AfterESolve)
}

// Run advances n steps, stopping early if ctx is cancelled or a handler
// fails.
func (e *Engine) Run(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Step(); err != nil {
			return err
		}
		if e.cfg.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.StepDelay):
			}
		}
	}
	e.logger.Debug("run finished", zap.Int("steps", n), zap.Int("step", e.CurrentStep()))
	return nil
}
