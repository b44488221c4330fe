// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package callback

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbeema/simhooks/pkg/namespace"
	"github.com/mbeema/simhooks/pkg/native"
	"go.uber.org/zap"
)

// Policy holds the per-hook special cases.
type Policy struct {
	// SingleSlot limits the hook to one installed handler.
	SingleSlot bool
	// CallOnce empties the hook after every dispatch pass.
	CallOnce bool
	// Unsupported makes every mutating or query operation fail.
	Unsupported bool
}

// Clock is the time source used for handler timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type entry struct {
	ref Ref
}

type attachment struct {
	id         uuid.UUID
	trampoline native.Trampoline
	since      time.Time
}

// Timer is the cumulative time spent in one handler.
type Timer struct {
	Handler string
	Total   time.Duration
}

// EntryInfo describes one installed entry.
type EntryInfo struct {
	Kind Kind
	Name string
}

// Registry holds the ordered handlers of one hook and owns the hook's
// trampoline slot in the native table. The trampoline is attached while
// the registry has at least one entry.
//
// Handlers run on the goroutine that fires the hook. The registry lock is
// never held while a handler runs, so handlers may install and uninstall
// on their own hook; such changes take effect from the next pass.
type Registry struct {
	name   HookName
	policy Policy
	native native.Table
	ns     namespace.Resolver
	logger *zap.Logger
	clock  Clock

	mu         sync.Mutex
	entries    []*entry
	timers     map[string]time.Duration
	order      []string
	total      time.Duration
	passes     int64
	attachment *attachment
}

func newRegistry(name HookName, policy Policy, nt native.Table, ns namespace.Resolver, clock Clock, logger *zap.Logger) *Registry {
	return &Registry{
		name:   name,
		policy: policy,
		native: nt,
		ns:     ns,
		clock:  clock,
		logger: logger.With(zap.String("hook", string(name))),
		timers: make(map[string]time.Duration),
	}
}

// Name returns the hook name.
func (r *Registry) Name() HookName { return r.name }

// Policy returns the hook's policy.
func (r *Registry) Policy() Policy { return r.policy }

func (r *Registry) supported() error {
	if r.policy.Unsupported {
		return fmt.Errorf("%s: %w", r.name, ErrNotImplemented)
	}
	return nil
}

// Install appends ref to the hook. The first install attaches the
// trampoline. A Direct ref is skipped when a Named entry with the same
// display name is present. Bound refs always append. A Go method value
// is rejected with ErrMethodValue.
func (r *Registry) Install(ref Ref) error {
	if err := r.supported(); err != nil {
		return err
	}
	if err := ref.check(); err != nil {
		return fmt.Errorf("install on %s: %w", r.name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.policy.SingleSlot && len(r.entries) > 0 {
		return fmt.Errorf("install %s on %s: %w", ref.DisplayName(), r.name, ErrAlreadyInstalled)
	}

	if ref.kind == KindDirect {
		name := ref.DisplayName()
		for _, e := range r.entries {
			if e.ref.kind == KindNamed && e.ref.name == name {
				r.logger.Debug("named entry already present, skipping install", zap.String("handler", name))
				return nil
			}
		}
	}

	if r.attachment == nil {
		if err := r.attachLocked(); err != nil {
			return err
		}
	}
	r.entries = append(r.entries, &entry{ref: ref})
	return nil
}

// Uninstall removes the first entry matching ref. A Named ref also
// matches a Direct entry by display name; Bound entries never match by
// name alone. Removing the last entry detaches the trampoline.
func (r *Registry) Uninstall(ref Ref) error {
	if err := r.supported(); err != nil {
		return err
	}
	if err := ref.check(); err != nil {
		return fmt.Errorf("uninstall from %s: %w", r.name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(ref, true)
	if i < 0 {
		return fmt.Errorf("uninstall %s from %s: %w", ref.DisplayName(), r.name, ErrNotInstalled)
	}
	if len(r.entries) == 1 {
		if err := r.detachLocked(); err != nil {
			return err
		}
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	return nil
}

// IsInstalled reports whether an entry matches ref. It never mutates the
// registry. The error is non-nil only for unsupported hooks and method
// values.
func (r *Registry) IsInstalled(ref Ref) (bool, error) {
	if err := r.supported(); err != nil {
		return false, err
	}
	if err := ref.check(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(ref, false) >= 0, nil
}

// Clear removes every entry and detaches the trampoline.
func (r *Registry) Clear() error {
	if err := r.supported(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.detachLocked(); err != nil {
		return err
	}
	r.entries = nil
	return nil
}

// indexLocked returns the position of the first entry matching arg.
// byName enables matching a Named argument against Direct entries, which
// only Uninstall uses.
func (r *Registry) indexLocked(arg Ref, byName bool) int {
	for i, e := range r.entries {
		if matches(e.ref, arg, byName) {
			return i
		}
	}
	return -1
}

func matches(stored, arg Ref, byName bool) bool {
	switch {
	case stored.kind == KindDirect && arg.kind == KindDirect:
		if sameValue(stored.value, arg.value) {
			return true
		}
	case stored.kind == KindNamed && arg.kind == KindNamed:
		if stored.name == arg.name {
			return true
		}
	case stored.kind == KindBound && arg.kind == KindBound:
		return sameValue(stored.recv, arg.recv) && stored.method == arg.method
	}

	if stored.kind == KindNamed && arg.kind != KindNamed {
		return stored.name == arg.DisplayName()
	}
	if byName && arg.kind == KindNamed && stored.kind == KindDirect {
		return stored.DisplayName() == arg.name
	}
	return false
}

func (r *Registry) attachLocked() error {
	tr := native.Trampoline(r.dispatch)
	if err := r.native.Attach(string(r.name), tr); err != nil {
		return fmt.Errorf("%w: attach %s: %w", ErrAttach, r.name, err)
	}
	r.attachment = &attachment{id: uuid.New(), trampoline: tr, since: r.clock.Now()}
	r.logger.Debug("trampoline attached", zap.String("id", r.attachment.id.String()))
	return nil
}

func (r *Registry) detachLocked() error {
	if r.attachment == nil {
		return nil
	}
	if err := r.native.Detach(string(r.name)); err != nil {
		return fmt.Errorf("%w: detach %s: %w", ErrAttach, r.name, err)
	}
	r.logger.Debug("trampoline detached",
		zap.String("id", r.attachment.id.String()),
		zap.Duration("attached_for", r.clock.Now().Sub(r.attachment.since)),
	)
	r.attachment = nil
	return nil
}

// dispatch runs one pass over a snapshot of the handlers. It is only
// reachable through the attached trampoline. A handler error ends the
// pass and is returned unchanged; panics are not recovered.
func (r *Registry) dispatch(args ...any) error {
	r.mu.Lock()
	snapshot := slices.Clone(r.entries)
	r.mu.Unlock()

	start := r.clock.Now()
	defer r.endPass(start)

	for _, e := range snapshot {
		call, name, ok := r.resolve(e)
		if !ok {
			continue
		}

		t0 := r.clock.Now()
		err := call(args...)
		if errors.Is(err, ErrNotCallable) {
			r.warnNotCallable(e.ref)
			continue
		}
		r.record(name, r.clock.Now().Sub(t0))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) endPass(start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total += r.clock.Now().Sub(start)
	r.passes++

	if r.policy.CallOnce && (len(r.entries) > 0 || r.attachment != nil) {
		r.entries = nil
		// A failed detach keeps the attachment so a later install or
		// pass can reuse or release the slot.
		if err := r.detachLocked(); err != nil {
			r.logger.Error("detach after call-once pass failed", zap.Error(err))
		}
	}
}

// resolve turns a snapshot entry into a caller. It prunes dead Bound
// entries and upgrades resolved Named entries in the live sequence.
func (r *Registry) resolve(e *entry) (caller, string, bool) {
	switch e.ref.kind {
	case KindBound:
		if !alive(e.ref.recv) {
			r.prune(e)
			return nil, "", false
		}
		call, ok := method(e.ref.recv, e.ref.method)
		if !ok {
			r.warnNotCallable(e.ref)
			return nil, "", false
		}
		return call, e.ref.method, true

	case KindNamed:
		v, found := r.ns.Resolve(e.ref.name)
		if !found {
			r.logger.Debug("named callback not resolvable yet", zap.String("name", e.ref.name))
			return nil, "", false
		}
		resolved := Direct(v)
		r.replace(e, resolved)
		call, ok := callable(v)
		if !ok {
			r.warnNotCallable(e.ref)
			return nil, "", false
		}
		return call, resolved.DisplayName(), true

	default:
		call, ok := callable(e.ref.value)
		if !ok {
			r.warnNotCallable(e.ref)
			return nil, "", false
		}
		return call, e.ref.DisplayName(), true
	}
}

func (r *Registry) replace(old *entry, ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.Index(r.entries, old); i >= 0 {
		r.entries[i] = &entry{ref: ref}
	}
}

func (r *Registry) prune(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.entries, e)
	if i < 0 {
		return
	}
	if len(r.entries) == 1 {
		if err := r.detachLocked(); err != nil {
			r.logger.Error("detach after pruning dead receiver failed", zap.Error(err))
			return
		}
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	r.logger.Debug("pruned bound callback with dead receiver", zap.String("method", e.ref.method))
}

func (r *Registry) warnNotCallable(ref Ref) {
	r.logger.Warn("callback is not callable, skipping",
		zap.String("kind", ref.kind.String()),
		zap.String("name", ref.DisplayName()),
		zap.String("hint", "the name may have been rebound to a non-callable value, for example during a restart"),
	)
}

func (r *Registry) record(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[name]; !ok {
		r.order = append(r.order, name)
	}
	r.timers[name] += d
}

// Len returns the number of installed entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HasHandlers reports whether any entry is installed.
func (r *Registry) HasHandlers() bool {
	return r.Len() > 0
}

// Attached reports whether the trampoline is registered with the native
// table.
func (r *Registry) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachment != nil
}

// AttachmentID identifies the current trampoline registration, or "" when
// detached. Each attach gets a fresh id.
func (r *Registry) AttachmentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachment == nil {
		return ""
	}
	return r.attachment.id.String()
}

// Entries lists the installed entries in dispatch order.
func (r *Registry) Entries() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntryInfo, len(r.entries))
	for i, e := range r.entries {
		out[i] = EntryInfo{Kind: e.ref.kind, Name: e.ref.DisplayName()}
	}
	return out
}

// Timers returns the per-handler totals in first-seen order.
func (r *Registry) Timers() []Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Timer, len(r.order))
	for i, name := range r.order {
		out[i] = Timer{Handler: name, Total: r.timers[name]}
	}
	return out
}

// Total returns the cumulative time spent in dispatch passes.
func (r *Registry) Total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Passes returns the number of completed dispatch passes.
func (r *Registry) Passes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

// CallFrom installs h as a Direct handler on r and returns it unchanged,
// so a handler can be declared and registered in one statement. It panics
// if the install fails.
//
//	var plot = callback.CallFrom(table.Hook(callback.AfterStep), func() { ... })
func CallFrom[H any](r *Registry, h H) H {
	if err := r.Install(Direct(h)); err != nil {
		panic(err)
	}
	return h
}
