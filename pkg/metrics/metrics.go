// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package metrics exposes simulation and hook timing metrics to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "simhooks"

// Collector holds the counters updated by the run loop.
type Collector struct {
	// Engine metrics
	Steps        prometheus.Counter
	StepDuration prometheus.Histogram
	StepErrors   prometheus.Counter
	CurrentStep  prometheus.Gauge

	// Reload metrics
	ScriptReloads      prometheus.Counter
	ScriptReloadErrors prometheus.Counter
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
}

// New registers the metrics with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		Steps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of completed simulation steps",
		}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one simulation step including hook handlers",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		StepErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Total number of steps aborted by a handler error",
		}),
		CurrentStep: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_step",
			Help:      "Current simulation step index",
		}),
		ScriptReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_reloads_total",
			Help:      "Total number of successful hook script reloads",
		}),
		ScriptReloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_reload_errors_total",
			Help:      "Total number of failed hook script reloads",
		}),
		ConfigReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of successful configuration reloads",
		}),
		ConfigReloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reload_errors_total",
			Help:      "Total number of failed configuration reloads",
		}),
	}
}

// ObserveStep records a completed step. It matches the engine's step
// observer signature.
func (c *Collector) ObserveStep(step int, elapsed time.Duration) {
	c.Steps.Inc()
	c.StepDuration.Observe(elapsed.Seconds())
	c.CurrentStep.Set(float64(step))
}
