// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/prometheus/client_golang/prometheus"
)

// HookSource supplies hook snapshots. *callback.Table implements it.
type HookSource interface {
	Snapshot() []callback.HookSnapshot
}

// HookCollector reads the hook table at scrape time.
type HookCollector struct {
	src HookSource

	handlerSeconds *prometheus.Desc
	hookSeconds    *prometheus.Desc
	dispatches     *prometheus.Desc
	handlers       *prometheus.Desc
	attached       *prometheus.Desc
}

var _ prometheus.Collector = (*HookCollector)(nil)

// NewHookCollector creates a collector over src.
func NewHookCollector(src HookSource) *HookCollector {
	return &HookCollector{
		src: src,
		handlerSeconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "handler", "seconds_total"),
			"Cumulative time spent in a hook handler",
			[]string{"hook", "handler"}, nil,
		),
		hookSeconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hook", "seconds_total"),
			"Cumulative time spent in dispatch passes of a hook",
			[]string{"hook"}, nil,
		),
		dispatches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hook", "dispatches_total"),
			"Completed dispatch passes of a hook",
			[]string{"hook"}, nil,
		),
		handlers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hook", "handlers"),
			"Handlers currently installed on a hook",
			[]string{"hook"}, nil,
		),
		attached: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hook", "attached"),
			"Whether the hook's trampoline is attached to the native table",
			[]string{"hook"}, nil,
		),
	}
}

func (c *HookCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handlerSeconds
	ch <- c.hookSeconds
	ch <- c.dispatches
	ch <- c.handlers
	ch <- c.attached
}

func (c *HookCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.Snapshot() {
		hook := string(s.Name)
		attached := 0.0
		if s.Attached {
			attached = 1
		}
		ch <- prometheus.MustNewConstMetric(c.hookSeconds, prometheus.CounterValue, s.Total.Seconds(), hook)
		ch <- prometheus.MustNewConstMetric(c.dispatches, prometheus.CounterValue, float64(s.Passes), hook)
		ch <- prometheus.MustNewConstMetric(c.handlers, prometheus.GaugeValue, float64(len(s.Handlers)), hook)
		ch <- prometheus.MustNewConstMetric(c.attached, prometheus.GaugeValue, attached, hook)
		for _, tm := range s.Timers {
			ch <- prometheus.MustNewConstMetric(c.handlerSeconds, prometheus.CounterValue, tm.Total.Seconds(), hook, tm.Handler)
		}
	}
}
