// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedSource []callback.HookSnapshot

func (f fixedSource) Snapshot() []callback.HookSnapshot { return f }

type fixedStep int

func (s fixedStep) CurrentStep() int { return int(s) }

func sample() fixedSource {
	return fixedSource{
		{Name: callback.AfterInit, Timers: []callback.Timer{{Handler: "setup", Total: 500 * time.Millisecond}}},
		{Name: callback.AfterStep, Timers: []callback.Timer{
			{Handler: "myplots", Total: 2500 * time.Millisecond},
			{Handler: "cheap", Total: time.Second},
		}},
	}
}

func TestTextReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sample(), fixedStep(0), DefaultOptions()))

	want := strings.Repeat(" ", 11) + "afterstep myplots     2.5000      2.5000     0.0000\n"
	assert.Equal(t, want, buf.String())
}

func TestTextReportPerStepAndMinMax(t *testing.T) {
	var buf bytes.Buffer
	opts := Options{MinTotal: 0, IncludeMinMax: true}
	require.NoError(t, Write(&buf, sample(), fixedStep(5), opts))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t,
		strings.Repeat(" ", 11)+"afterstep myplots     2.5000      2.5000     0.0000      2.5000      2.5000       0.5000",
		lines[1])
	assert.True(t, strings.HasPrefix(lines[0], strings.Repeat(" ", 11)+"afterinit setup"))
}

func TestThresholdIsExclusive(t *testing.T) {
	rows := Rows(sample(), nil, Options{MinTotal: time.Second})
	require.Len(t, rows, 1)
	assert.Equal(t, "myplots", rows[0].Handler)
	assert.False(t, rows[0].HasPerStep)
}

func TestJSONReport(t *testing.T) {
	var buf bytes.Buffer
	opts := Options{MinTotal: time.Second, Format: FormatJSON}
	require.NoError(t, Write(&buf, sample(), fixedStep(10), opts))

	sc := bufio.NewScanner(&buf)
	var objs []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		objs = append(objs, m)
	}
	require.Len(t, objs, 1)
	assert.Equal(t, "timer", objs[0]["_type"])
	assert.Equal(t, "afterstep", objs[0]["hook"])
	assert.InDelta(t, 2.5, objs[0]["total_s"], 1e-9)
	assert.InDelta(t, 0.25, objs[0]["per_step_s"], 1e-9)
	assert.NotContains(t, objs[0], "min_s")
}

func TestUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, sample(), nil, Options{Format: "xml"})
	assert.Error(t, err)
}

func TestReportReadsLiveTable(t *testing.T) {
	eng := engine.New(engine.Config{}, zap.NewNop())
	tbl := callback.NewTable(eng, nil, zap.NewNop())
	reg := tbl.Hook(callback.AfterStep)
	require.NoError(t, reg.Install(callback.Direct(callback.NewFunc("nap", func(args ...any) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}))))
	require.NoError(t, eng.Step())

	before := reg.Timers()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, tbl, eng, Options{MinTotal: time.Millisecond}))

	assert.Contains(t, buf.String(), "afterstep nap")
	assert.Equal(t, before, reg.Timers(), "reporting must not touch timers")
}
