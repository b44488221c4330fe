// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package callback

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbeema/simhooks/pkg/namespace"
	"github.com/mbeema/simhooks/pkg/native"
	"go.uber.org/zap"
)

// HookName identifies one engine extension point.
type HookName string

const (
	AfterInit         HookName = "afterinit"
	BeforeCollisions  HookName = "beforecollisions"
	AfterCollisions   HookName = "aftercollisions"
	BeforeESolve      HookName = "beforeEsolve"
	PoissonSolver     HookName = "poissonsolver"
	AfterESolve       HookName = "afterEsolve"
	BeforeDeposition  HookName = "beforedeposition"
	AfterDeposition   HookName = "afterdeposition"
	ParticleScraper   HookName = "particlescraper"
	ParticleLoader    HookName = "particleloader"
	BeforeStep        HookName = "beforestep"
	AfterStep         HookName = "afterstep"
	AfterDiagnostics  HookName = "afterdiagnostics"
	AfterRestart      HookName = "afterrestart"
	ParticleInjection HookName = "particleinjection"
	AppliedFields     HookName = "appliedfields"
)

var catalogue = []HookName{
	AfterInit,
	BeforeCollisions,
	AfterCollisions,
	BeforeESolve,
	PoissonSolver,
	AfterESolve,
	BeforeDeposition,
	AfterDeposition,
	ParticleScraper,
	ParticleLoader,
	BeforeStep,
	AfterStep,
	AfterDiagnostics,
	AfterRestart,
	ParticleInjection,
	AppliedFields,
}

var descriptions = map[HookName]string{
	AfterInit:         "after the initialization of the simulation",
	BeforeCollisions:  "before collisions in the time step",
	AfterCollisions:   "after collisions in the time step",
	BeforeESolve:      "before the electric field solve",
	PoissonSolver:     "replaces the built-in electrostatic field solve",
	AfterESolve:       "after the electric field solve",
	BeforeDeposition:  "before the particle charge and current deposition",
	AfterDeposition:   "after the particle charge and current deposition",
	ParticleScraper:   "where particles are scraped at boundaries",
	ParticleLoader:    "at particle loading time",
	BeforeStep:        "before the time step",
	AfterStep:         "after the time step",
	AfterDiagnostics:  "after diagnostic output",
	AfterRestart:      "once after a restart from a checkpoint",
	ParticleInjection: "when particles are injected",
	AppliedFields:     "where external fields are applied to particles",
}

var policies = map[HookName]Policy{
	PoissonSolver: {SingleSlot: true},
	AfterRestart:  {CallOnce: true, Unsupported: true},
	AppliedFields: {Unsupported: true},
}

// Names returns the hook catalogue in engine order.
func Names() []HookName {
	out := make([]HookName, len(catalogue))
	copy(out, catalogue)
	return out
}

// ParseHookName validates s against the catalogue.
func ParseHookName(s string) (HookName, error) {
	name := HookName(s)
	if _, ok := descriptions[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownHook, s)
	}
	return name, nil
}

// Description says where in the step the hook fires.
func (h HookName) Description() string {
	return descriptions[h]
}

// HookSnapshot is a point-in-time view of one registry.
type HookSnapshot struct {
	Name         HookName
	Policy       Policy
	Handlers     []EntryInfo
	Attached     bool
	AttachmentID string
	Timers       []Timer
	Total        time.Duration
	Passes       int64
}

// Table binds every hook in the catalogue to its Registry. It is built
// once at startup and passed to whatever installs or dispatches; Close
// releases all trampoline slots.
type Table struct {
	logger     *zap.Logger
	registries map[HookName]*Registry
}

// TableOption configures a Table.
type TableOption func(*tableOptions)

type tableOptions struct {
	clock Clock
}

// WithClock sets the time source for handler timers.
func WithClock(c Clock) TableOption {
	return func(o *tableOptions) {
		o.clock = c
	}
}

// NewTable creates the registries for all hooks. A nil nt runs against a
// stub table and a nil ns resolves nothing.
func NewTable(nt native.Table, ns namespace.Resolver, logger *zap.Logger, opts ...TableOption) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nt == nil {
		nt = native.NewStub("no engine configured", logger)
	}
	if ns == nil {
		ns = namespace.Empty{}
	}
	o := tableOptions{clock: systemClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Table{
		logger:     logger,
		registries: make(map[HookName]*Registry, len(catalogue)),
	}
	for _, name := range catalogue {
		t.registries[name] = newRegistry(name, policies[name], nt, ns, o.clock, logger)
	}
	return t
}

// Hook returns the registry for name. It panics on a name outside the
// catalogue; use Lookup for untrusted input.
func (t *Table) Hook(name HookName) *Registry {
	r, ok := t.registries[name]
	if !ok {
		panic(fmt.Sprintf("callback: unknown hook %q", name))
	}
	return r
}

// Lookup returns the registry for a hook given by string.
func (t *Table) Lookup(s string) (*Registry, error) {
	name, err := ParseHookName(s)
	if err != nil {
		return nil, err
	}
	return t.registries[name], nil
}

// Registries returns all registries in catalogue order.
func (t *Table) Registries() []*Registry {
	out := make([]*Registry, 0, len(catalogue))
	for _, name := range catalogue {
		out = append(out, t.registries[name])
	}
	return out
}

// Snapshot returns a view of every hook in catalogue order.
func (t *Table) Snapshot() []HookSnapshot {
	out := make([]HookSnapshot, 0, len(catalogue))
	for _, r := range t.Registries() {
		out = append(out, r.Snapshot())
	}
	return out
}

// Snapshot returns a consistent view of the registry.
func (r *Registry) Snapshot() HookSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := HookSnapshot{
		Name:     r.name,
		Policy:   r.policy,
		Attached: r.attachment != nil,
		Total:    r.total,
		Passes:   r.passes,
		Handlers: make([]EntryInfo, len(r.entries)),
		Timers:   make([]Timer, len(r.order)),
	}
	if r.attachment != nil {
		s.AttachmentID = r.attachment.id.String()
	}
	for i, e := range r.entries {
		s.Handlers[i] = EntryInfo{Kind: e.ref.kind, Name: e.ref.DisplayName()}
	}
	for i, name := range r.order {
		s.Timers[i] = Timer{Handler: name, Total: r.timers[name]}
	}
	return s
}

// Close detaches every trampoline and drops all entries.
func (t *Table) Close() error {
	var errs []error
	for _, r := range t.Registries() {
		r.mu.Lock()
		if err := r.detachLocked(); err != nil {
			errs = append(errs, err)
		} else {
			r.entries = nil
		}
		r.mu.Unlock()
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	t.logger.Debug("hook table closed")
	return nil
}
