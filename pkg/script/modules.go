// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package script

import (
	"github.com/mbeema/simhooks/pkg/callback"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

func (ns *Namespace) hooksModule() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"install":     ns.luaInstall,
		"uninstall":   ns.luaUninstall,
		"isinstalled": ns.luaIsInstalled,
		"list":        ns.luaList,
		"names":       luaNames,
	}
}

func (ns *Namespace) simModule() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"step": ns.luaStep,
		"log":  ns.luaLog,
	}
}

func (ns *Namespace) registry(L *lua.LState) *callback.Registry {
	t := ns.table.Load()
	if t == nil {
		L.RaiseError("hooks: no hook table bound")
		return nil
	}
	reg, err := t.Lookup(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return nil
	}
	return reg
}

// hasName reports whether any entry on reg has the given display name,
// whatever its kind.
func hasName(reg *callback.Registry, name string) bool {
	for _, e := range reg.Entries() {
		if e.Name == name {
			return true
		}
	}
	return false
}

// hooks.install(hook, fname) -> bool
//
// Installs a Named reference to the Lua global fname. Re-running a script
// does not install twice: the call returns false if an entry with that
// name is already present.
func (ns *Namespace) luaInstall(L *lua.LState) int {
	reg := ns.registry(L)
	name := L.CheckString(2)

	if hasName(reg, name) {
		L.Push(lua.LFalse)
		return 1
	}
	if err := reg.Install(callback.Named(name)); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LTrue)
	return 1
}

// hooks.uninstall(hook, fname)
func (ns *Namespace) luaUninstall(L *lua.LState) int {
	reg := ns.registry(L)
	if err := reg.Uninstall(callback.Named(L.CheckString(2))); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// hooks.isinstalled(hook, fname) -> bool
func (ns *Namespace) luaIsInstalled(L *lua.LState) int {
	reg := ns.registry(L)
	name := L.CheckString(2)
	if reg.Policy().Unsupported {
		_, err := reg.IsInstalled(callback.Named(name))
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LBool(hasName(reg, name)))
	return 1
}

// hooks.list(hook) -> {name, ...}
func (ns *Namespace) luaList(L *lua.LState) int {
	reg := ns.registry(L)
	t := L.NewTable()
	for _, e := range reg.Entries() {
		t.Append(lua.LString(e.Name))
	}
	L.Push(t)
	return 1
}

// hooks.names() -> {hook, ...}
func luaNames(L *lua.LState) int {
	t := L.NewTable()
	for _, n := range callback.Names() {
		t.Append(lua.LString(string(n)))
	}
	L.Push(t)
	return 1
}

// sim.step() -> int
func (ns *Namespace) luaStep(L *lua.LState) int {
	step := 0
	if s := ns.stepper.Load(); s != nil && s.Stepper != nil {
		step = s.CurrentStep()
	}
	L.Push(lua.LNumber(step))
	return 1
}

// sim.log(msg)
func (ns *Namespace) luaLog(L *lua.LState) int {
	ns.logger.Info("script", zap.String("msg", L.CheckString(1)))
	return 0
}
