// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package native

// Trampoline is the single entry point the engine invokes for a hook.
// Arguments are whatever the engine passes for that hook; most hooks pass
// none. A non-nil error aborts the engine's current step.
type Trampoline func(args ...any) error

// Stepper reports the engine's current step index.
type Stepper interface {
	CurrentStep() int
}

// Table is the engine's native callback table. One trampoline slot exists
// per hook name. Implementations include the in-process simulated engine
// and the no-op Stub.
type Table interface {
	// Attach registers t under hook. The table must keep t callable until
	// the matching Detach.
	Attach(hook string, t Trampoline) error

	// Detach removes the trampoline registered under hook.
	Detach(hook string) error

	Stepper
}
