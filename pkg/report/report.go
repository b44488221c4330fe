// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package report prints cumulative handler timings per hook.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/native"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// processes is the number of processes timings are reduced over. Only a
// single process is supported, so average, min and max equal the total and
// rms is zero.
const processes = 1

// Source supplies hook snapshots. *callback.Table implements it.
type Source interface {
	Snapshot() []callback.HookSnapshot
}

// Options controls which timers are printed and how.
type Options struct {
	// MinTotal hides timers whose total is at or below it.
	MinTotal time.Duration
	// IncludeMinMax adds the min and max columns.
	IncludeMinMax bool
	// Format is FormatText or FormatJSON.
	Format string
}

// DefaultOptions hides timers of one second or less.
func DefaultOptions() Options {
	return Options{MinTotal: time.Second, Format: FormatText}
}

// Row is one reported timer. Times are in seconds.
type Row struct {
	Hook    string
	Handler string
	Total   float64
	Average float64
	RMS     float64
	Min     float64
	Max     float64
	// PerStep is Total over the current step, when the step is positive.
	PerStep    float64
	HasPerStep bool
}

// Rows collects the timers above opts.MinTotal in catalogue order.
func Rows(src Source, stepper native.Stepper, opts Options) []Row {
	step := 0
	if stepper != nil {
		step = stepper.CurrentStep()
	}

	var rows []Row
	for _, snap := range src.Snapshot() {
		for _, tm := range snap.Timers {
			if tm.Total <= opts.MinTotal {
				continue
			}
			samples := []float64{tm.Total.Seconds()}
			total, rms, lo, hi := reduce(samples)
			row := Row{
				Hook:    string(snap.Name),
				Handler: tm.Handler,
				Total:   total,
				Average: total / processes,
				RMS:     rms,
				Min:     lo,
				Max:     hi,
			}
			if step > 0 {
				row.PerStep = total / float64(step)
				row.HasPerStep = true
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func reduce(samples []float64) (sum, rms, lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	var sq float64
	for _, v := range samples {
		sum += v
		sq += v * v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	n := float64(len(samples))
	mean := sum / n
	rms = math.Sqrt(math.Max(0, sq/n-mean*mean))
	return sum, rms, lo, hi
}

// Write prints the report to w. It only reads the registries.
func Write(w io.Writer, src Source, stepper native.Stepper, opts Options) error {
	rows := Rows(src, stepper, opts)
	switch opts.Format {
	case "", FormatText:
		return writeText(w, rows, opts)
	case FormatJSON:
		return writeJSON(w, rows, opts)
	default:
		return fmt.Errorf("unknown report format %q", opts.Format)
	}
}

func writeText(w io.Writer, rows []Row, opts Options) error {
	for _, r := range rows {
		line := fmt.Sprintf("%20s %s %10.4f  %10.4f %10.4f", r.Hook, r.Handler, r.Total, r.Average, r.RMS)
		if opts.IncludeMinMax {
			line += fmt.Sprintf("  %10.4f  %10.4f", r.Min, r.Max)
		}
		if r.HasPerStep {
			line += fmt.Sprintf("   %10.4f", r.PerStep)
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, rows []Row, opts Options) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		obj := map[string]interface{}{
			"_type":   "timer",
			"hook":    r.Hook,
			"handler": r.Handler,
			"total_s": r.Total,
			"avg_s":   r.Average,
			"rms_s":   r.RMS,
		}
		if opts.IncludeMinMax {
			obj["min_s"] = r.Min
			obj["max_s"] = r.Max
		}
		if r.HasPerStep {
			obj["per_step_s"] = r.PerStep
		}
		if err := enc.Encode(obj); err != nil {
			return err
		}
	}
	return nil
}
