// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package script provides a Lua global namespace for hook handlers.
//
// Lua globals are the names that Named callbacks resolve against. A script
// can also register its own functions through the hooks module:
//
//	function myplots()
//	    sim.log("step " .. sim.step())
//	end
//	hooks.install("afterstep", "myplots")
//
// Reloading the script replaces the Lua state. Resolved handlers look the
// function up again on every call, so they pick up the reloaded
// definition.
package script

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/namespace"
	"github.com/mbeema/simhooks/pkg/native"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("script namespace closed")

	// ErrNoScript is returned by Reload when nothing was loaded from a file.
	ErrNoScript = errors.New("no script file loaded")

	// ErrNotFunction is returned when a resolved name no longer refers to
	// a Lua function. It wraps callback.ErrNotCallable, so dispatch warns
	// and skips the handler instead of failing the step.
	ErrNotFunction = fmt.Errorf("lua global is not a function: %w", callback.ErrNotCallable)
)

// Namespace is a namespace.Resolver backed by a Lua state.
type Namespace struct {
	logger *zap.Logger

	mu     sync.Mutex
	L      *lua.LState
	path   string
	closed bool
	loads  int

	// Read by Lua module functions, which may run while mu is held.
	table   atomic.Pointer[callback.Table]
	stepper atomic.Pointer[stepperRef]
}

type stepperRef struct{ native.Stepper }

var _ namespace.Resolver = (*Namespace)(nil)

// New creates a namespace with an empty Lua state.
func New(logger *zap.Logger) *Namespace {
	ns := &Namespace{logger: logger}
	ns.L = ns.newState()
	return ns
}

// SetTable exposes t to scripts through the hooks module. Scripts loaded
// before SetTable see a hooks module that raises on use.
func (ns *Namespace) SetTable(t *callback.Table) {
	ns.table.Store(t)
}

// SetStepper backs sim.step().
func (ns *Namespace) SetStepper(s native.Stepper) {
	ns.stepper.Store(&stepperRef{s})
}

func (ns *Namespace) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	L.SetGlobal("hooks", L.SetFuncs(L.NewTable(), ns.hooksModule()))
	L.SetGlobal("sim", L.SetFuncs(L.NewTable(), ns.simModule()))
	return L
}

// LoadFile runs the script at path in a fresh state and swaps it in. On
// failure the previous state stays active.
func (ns *Namespace) LoadFile(path string) error {
	L := ns.newState()
	if err := protect(func() error { return L.DoFile(path) }); err != nil {
		L.Close()
		return fmt.Errorf("load script %s: %w", path, err)
	}
	if err := ns.swap(L, path); err != nil {
		return err
	}
	ns.logger.Info("script loaded", zap.String("path", path))
	return nil
}

// LoadString runs code in a fresh state and swaps it in.
func (ns *Namespace) LoadString(code string) error {
	L := ns.newState()
	if err := protect(func() error { return L.DoString(code) }); err != nil {
		L.Close()
		return fmt.Errorf("load script: %w", err)
	}
	return ns.swap(L, "")
}

// Reload re-runs the last file passed to LoadFile.
func (ns *Namespace) Reload() error {
	ns.mu.Lock()
	path := ns.path
	ns.mu.Unlock()
	if path == "" {
		return ErrNoScript
	}
	return ns.LoadFile(path)
}

// Path returns the file last loaded, if any.
func (ns *Namespace) Path() string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.path
}

// Loads counts successful loads.
func (ns *Namespace) Loads() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.loads
}

func (ns *Namespace) swap(L *lua.LState, path string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		L.Close()
		return ErrClosed
	}
	old := ns.L
	ns.L = L
	if path != "" {
		ns.path = path
	}
	ns.loads++
	old.Close()
	return nil
}

// Resolve looks name up among the Lua globals. Functions come back as
// *Function handlers; strings, numbers and booleans as their Go values;
// anything else as the raw lua.LValue.
func (ns *Namespace) Resolve(name string) (any, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return nil, false
	}

	v := ns.L.GetGlobal(name)
	switch lv := v.(type) {
	case *lua.LNilType:
		return nil, false
	case *lua.LFunction:
		return &Function{ns: ns, name: name}, true
	case lua.LString:
		return string(lv), true
	case lua.LNumber:
		return float64(lv), true
	case lua.LBool:
		return bool(lv), true
	default:
		return v, true
	}
}

// Has reports whether name is a Lua function.
func (ns *Namespace) Has(name string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return false
	}
	return ns.L.GetGlobal(name).Type() == lua.LTFunction
}

// Close releases the Lua state.
func (ns *Namespace) Close() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return nil
	}
	ns.L.Close()
	ns.closed = true
	return nil
}

func (ns *Namespace) call(name string, args ...any) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return ErrClosed
	}

	fn := ns.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("%w: %s (got %s)", ErrNotFunction, name, fn.Type())
	}

	L := ns.L
	L.Push(fn)
	for _, a := range args {
		L.Push(toLua(L, a))
	}
	err := protect(func() error {
		return L.PCall(len(args), 0, nil)
	})
	if err != nil {
		return fmt.Errorf("lua %s: %w", name, err)
	}
	return nil
}

// Function is a handler calling a Lua global by name. The global is looked
// up on every call so a reloaded script's definition takes over.
type Function struct {
	ns   *Namespace
	name string
}

var _ callback.Handler = (*Function)(nil)

func (f *Function) Name() string { return f.name }

func (f *Function) Call(args ...any) error { return f.ns.call(f.name, args...) }

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
