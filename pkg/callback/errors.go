// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package callback

import "errors"

var (
	// ErrNotInstalled is returned by Uninstall when no entry matches.
	ErrNotInstalled = errors.New("callback not installed")

	// ErrAlreadyInstalled is returned when a single-slot hook is occupied.
	ErrAlreadyInstalled = errors.New("hook already has a handler installed")

	// ErrNotImplemented is returned by every operation on a hook the
	// engine does not support yet.
	ErrNotImplemented = errors.New("callback not implemented yet")

	// ErrUnknownHook is returned for names outside the hook catalogue.
	ErrUnknownHook = errors.New("unknown hook")

	// ErrArguments is returned when dispatch arguments do not fit a
	// handler's signature.
	ErrArguments = errors.New("handler arguments mismatch")

	// ErrNotCallable is wrapped by a Handler whose target went away, for
	// example a script global rebound to a value. Dispatch logs a warning
	// and moves on to the next handler.
	ErrNotCallable = errors.New("callback is not callable")

	// ErrMethodValue is returned for a Direct ref holding a Go method
	// value. Method values of different receivers cannot be told apart;
	// use Bound(recv, "Method").
	ErrMethodValue = errors.New("method value passed as direct callback, use Bound")

	// ErrAttach wraps native table failures.
	ErrAttach = errors.New("native callback table")
)
