// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessCollector samples the simulation's own process on an interval.
type ProcessCollector struct {
	logger *zap.Logger
	pid    int32

	cpu     prometheus.Gauge
	rss     prometheus.Gauge
	vms     prometheus.Gauge
	threads prometheus.Gauge
	fds     prometheus.Gauge

	mu      sync.Mutex
	proc    *process.Process
	samples int

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewProcessCollector registers the process gauges with reg.
func NewProcessCollector(reg prometheus.Registerer, logger *zap.Logger) *ProcessCollector {
	factory := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		})
	}
	return &ProcessCollector{
		logger:  logger,
		pid:     int32(os.Getpid()),
		cpu:     gauge("cpu_utilization", "CPU utilization of the simulation process (0-1)"),
		rss:     gauge("memory_rss_bytes", "Resident set size of the simulation process"),
		vms:     gauge("memory_virtual_bytes", "Virtual memory size of the simulation process"),
		threads: gauge("threads", "OS threads of the simulation process"),
		fds:     gauge("open_fds", "Open file descriptors of the simulation process"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic sampling.
func (pc *ProcessCollector) Start(ctx context.Context, interval time.Duration) error {
	if interval == 0 {
		interval = 15 * time.Second
	}

	pc.wg.Add(1)
	go func() {
		defer pc.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Collect once immediately
		pc.Collect()

		for {
			select {
			case <-ticker.C:
				pc.Collect()
			case <-pc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	pc.logger.Info("process metrics collector started", zap.Duration("interval", interval))
	return nil
}

// Stop halts sampling.
func (pc *ProcessCollector) Stop() error {
	pc.stopOnce.Do(func() { close(pc.stopCh) })
	pc.wg.Wait()
	return nil
}

// Samples counts completed Collect calls.
func (pc *ProcessCollector) Samples() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.samples
}

// Collect takes one sample. Individual readings that fail are skipped.
func (pc *ProcessCollector) Collect() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.proc == nil {
		proc, err := process.NewProcess(pc.pid)
		if err != nil {
			pc.logger.Debug("process not found", zap.Int32("pid", pc.pid), zap.Error(err))
			return
		}
		pc.proc = proc
	}

	// CPU percent since the previous call
	if pct, err := pc.proc.Percent(0); err == nil {
		pc.cpu.Set(pct / 100)
	}
	if mem, err := pc.proc.MemoryInfo(); err == nil {
		pc.rss.Set(float64(mem.RSS))
		pc.vms.Set(float64(mem.VMS))
	}
	if n, err := pc.proc.NumThreads(); err == nil {
		pc.threads.Set(float64(n))
	}
	if n, err := pc.proc.NumFDs(); err == nil {
		pc.fds.Set(float64(n))
	}
	pc.samples++
}
