// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package console

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/engine"
	"github.com/mbeema/simhooks/pkg/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T, opts ...Option) (*Console, *callback.Table, *namespace.Map, *bytes.Buffer) {
	t.Helper()
	ns := namespace.NewMap()
	eng := engine.New(engine.Config{}, zap.NewNop())
	tbl := callback.NewTable(eng, ns, zap.NewNop())
	t.Cleanup(func() { tbl.Close() })
	var out bytes.Buffer
	return New(tbl, eng, &out, zap.NewNop(), opts...), tbl, ns, &out
}

func exec(t *testing.T, c *Console, line string) {
	t.Helper()
	quit, err := c.Exec(line)
	require.NoError(t, err, line)
	require.False(t, quit)
}

func TestInstallStepUninstall(t *testing.T) {
	c, tbl, ns, out := setup(t)
	calls := 0
	ns.Set("myplots", func() { calls++ })

	exec(t, c, "install afterstep myplots")
	assert.Contains(t, out.String(), "installed myplots on afterstep")

	exec(t, c, "step 3")
	assert.Equal(t, 3, calls)
	assert.Contains(t, out.String(), "step 3")

	out.Reset()
	exec(t, c, "isinstalled afterstep myplots")
	assert.Equal(t, "true\n", out.String())

	exec(t, c, "uninstall afterstep myplots")
	assert.Equal(t, 0, tbl.Hook(callback.AfterStep).Len())

	out.Reset()
	exec(t, c, "isinstalled afterstep myplots")
	assert.Equal(t, "false\n", out.String())
}

func TestQuit(t *testing.T) {
	c, _, _, _ := setup(t)
	for _, line := range []string{"quit", "exit", "q"} {
		quit, err := c.Exec(line)
		require.NoError(t, err)
		assert.True(t, quit, line)
	}
	quit, err := c.Exec("   ")
	assert.NoError(t, err)
	assert.False(t, quit)
}

func TestErrors(t *testing.T) {
	c, _, _, _ := setup(t)

	_, err := c.Exec("frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	_, err = c.Exec("install afterstep")
	assert.ErrorIs(t, err, ErrUsage)

	_, err = c.Exec("step zero")
	assert.ErrorIs(t, err, ErrUsage)

	_, err = c.Exec("report soon")
	assert.ErrorIs(t, err, ErrUsage)

	_, err = c.Exec("show nosuchhook")
	assert.ErrorIs(t, err, callback.ErrUnknownHook)

	_, err = c.Exec("uninstall afterstep ghost")
	assert.ErrorIs(t, err, callback.ErrNotInstalled)

	_, err = c.Exec("isinstalled appliedfields f")
	assert.ErrorIs(t, err, callback.ErrNotImplemented)

	_, err = c.Exec("reload")
	assert.ErrorContains(t, err, "no script")
}

func TestStepPropagatesHandlerError(t *testing.T) {
	c, _, ns, _ := setup(t)
	boom := errors.New("boom")
	ns.Set("bad", func() error { return boom })
	exec(t, c, "install beforestep bad")

	_, err := c.Exec("step")
	assert.ErrorIs(t, err, boom)
}

func TestHooksAndShow(t *testing.T) {
	c, _, ns, out := setup(t)
	ns.Set("solve", func() {})
	exec(t, c, "install poissonsolver solve")

	exec(t, c, "hooks")
	assert.Contains(t, out.String(), "poissonsolver")
	assert.Contains(t, out.String(), "single-slot")
	assert.Contains(t, out.String(), "afterrestart")
	assert.Contains(t, out.String(), "call-once,unsupported")

	out.Reset()
	exec(t, c, "show poissonsolver")
	assert.Contains(t, out.String(), "1. named:solve")
	assert.Contains(t, out.String(), "attachment ")
}

func TestReport(t *testing.T) {
	c, _, ns, out := setup(t)
	ns.Set("myplots", func() { time.Sleep(time.Millisecond) })
	exec(t, c, "install afterstep myplots")
	exec(t, c, "step")

	out.Reset()
	exec(t, c, "report")
	assert.Contains(t, out.String(), "afterstep myplots")

	out.Reset()
	exec(t, c, "report 1h")
	assert.Empty(t, out.String())
}

func TestReload(t *testing.T) {
	reloads := 0
	c, _, _, out := setup(t, WithReload(func() error { reloads++; return nil }))
	exec(t, c, "reload")
	assert.Equal(t, 1, reloads)
	assert.Contains(t, out.String(), "reloaded")
}

func TestHelp(t *testing.T) {
	c, _, _, out := setup(t)
	exec(t, c, "help")
	for name := range commands {
		assert.Contains(t, out.String(), name)
	}
	assert.Contains(t, out.String(), "quit")
}
