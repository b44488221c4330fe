// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export periodically pushes hook timings to telemetry backends.
package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/config"
	"github.com/mbeema/simhooks/pkg/native"
	"go.uber.org/zap"
)

// Metric represents a metric data point for export.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time // start of the cumulative window for counters
	Labels      map[string]string
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	MetricGauge MetricType = iota
	MetricCounter
)

// Exporter is the interface for metric backends.
type Exporter interface {
	ExportMetrics(ctx context.Context, metrics []*Metric) error
	Shutdown(ctx context.Context) error
}

// Source supplies hook snapshots. *callback.Table implements it.
type Source interface {
	Snapshot() []callback.HookSnapshot
}

const (
	defaultFlushInterval = 15 * time.Second

	maxRetries     = 2
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
	backoffFactor  = 2.0
)

// Manager snapshots the hook table on an interval and hands the result to
// every exporter. Values are cumulative, so a failed flush is made up by the
// next one.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter
	src       Source
	stepper   native.Stepper
	startTime time.Time

	flushInterval time.Duration

	flushes  atomic.Int64
	failures atomic.Int64

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates an export manager from configuration. Exporters that
// fail to initialize are logged and skipped.
func NewManager(cfg *config.ExportersConfig, serviceName string, src Source, stepper native.Stepper, logger *zap.Logger) *Manager {
	var exps []Exporter

	if cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, serviceName, logger)
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			exps = append(exps, exp)
		}
	}

	if cfg.Stdout.Enabled {
		exps = append(exps, NewStdoutExporter(cfg.Stdout.Format, nil, logger))
	}

	return NewManagerWithExporters(src, stepper, cfg.Interval, logger, exps...)
}

// NewManagerWithExporters creates a manager over the given exporters.
func NewManagerWithExporters(src Source, stepper native.Stepper, interval time.Duration, logger *zap.Logger, exps ...Exporter) *Manager {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Manager{
		logger:        logger,
		exporters:     exps,
		src:           src,
		stepper:       stepper,
		startTime:     time.Now(),
		flushInterval: interval,
		stopCh:        make(chan struct{}),
	}
}

// Enabled reports whether any exporter is configured.
func (m *Manager) Enabled() bool {
	return len(m.exporters) > 0
}

// Start begins the periodic flush goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Flush(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop performs a final flush and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if m.Enabled() {
		m.Flush(ctx)
	}

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("flushes", m.flushes.Load()),
		zap.Int64("failures", m.failures.Load()),
	)
	return nil
}

// Flush exports the current snapshot to every exporter.
func (m *Manager) Flush(ctx context.Context) {
	metrics := m.Collect(time.Now())
	for _, exp := range m.exporters {
		m.retryExport(ctx, func(expCtx context.Context) error {
			return exp.ExportMetrics(expCtx, metrics)
		})
	}
	m.flushes.Add(1)
}

// Collect converts the hook table into metrics stamped with now.
func (m *Manager) Collect(now time.Time) []*Metric {
	var out []*Metric
	counter := func(name, desc, unit string, v float64, labels map[string]string) {
		out = append(out, &Metric{
			Name: name, Description: desc, Unit: unit, Type: MetricCounter,
			Value: v, Timestamp: now, StartTime: m.startTime, Labels: labels,
		})
	}
	gauge := func(name, desc, unit string, v float64, labels map[string]string) {
		out = append(out, &Metric{
			Name: name, Description: desc, Unit: unit, Type: MetricGauge,
			Value: v, Timestamp: now, Labels: labels,
		})
	}

	for _, s := range m.src.Snapshot() {
		hook := string(s.Name)
		gauge("simhooks.hook.handlers", "Handlers installed on the hook", "{handlers}",
			float64(len(s.Handlers)), map[string]string{"hook": hook})
		if s.Passes == 0 {
			continue
		}
		counter("simhooks.hook.duration", "Time spent in dispatch passes", "s",
			s.Total.Seconds(), map[string]string{"hook": hook})
		counter("simhooks.hook.dispatches", "Completed dispatch passes", "{passes}",
			float64(s.Passes), map[string]string{"hook": hook})
		for _, tm := range s.Timers {
			counter("simhooks.handler.duration", "Time spent in the handler", "s",
				tm.Total.Seconds(), map[string]string{"hook": hook, "handler": tm.Handler})
		}
	}

	if m.stepper != nil {
		gauge("simhooks.step", "Current simulation step", "{step}", float64(m.stepper.CurrentStep()), nil)
	}
	return out
}

// retryExport attempts an export with exponential backoff.
func (m *Manager) retryExport(ctx context.Context, exportFn func(context.Context) error) {
	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			return
		}

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.failures.Add(1)
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.failures.Add(1)
			return
		}

		// Exponential backoff with cap
		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

// Stats returns the number of flushes and failed exports.
func (m *Manager) Stats() (flushes, failures int64) {
	return m.flushes.Load(), m.failures.Load()
}
