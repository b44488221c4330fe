// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package native

import (
	"sync"

	"go.uber.org/zap"
)

// Stub is a Table for running without an engine. Attached trampolines are
// recorded but never fired.
type Stub struct {
	reason string
	logger *zap.Logger

	mu    sync.Mutex
	slots map[string]Trampoline
}

var _ Table = (*Stub)(nil)

// NewStub creates a stub table that logs why no engine is present.
func NewStub(reason string, logger *zap.Logger) *Stub {
	return &Stub{
		reason: reason,
		logger: logger,
		slots:  make(map[string]Trampoline),
	}
}

func (s *Stub) Attach(hook string, t Trampoline) error {
	s.mu.Lock()
	s.slots[hook] = t
	s.mu.Unlock()
	s.logger.Debug("stub table: trampoline attached, engine unavailable",
		zap.String("hook", hook),
		zap.String("reason", s.reason),
	)
	return nil
}

func (s *Stub) Detach(hook string) error {
	s.mu.Lock()
	delete(s.slots, hook)
	s.mu.Unlock()
	return nil
}

// Attached reports whether hook has a trampoline.
func (s *Stub) Attached(hook string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[hook]
	return ok
}

func (s *Stub) CurrentStep() int {
	return 0
}
