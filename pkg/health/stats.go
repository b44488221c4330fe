// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"time"
)

// Stats tracks self-monitoring state for the simulation process.
type Stats struct {
	startTime time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns process uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of the process stats.
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	HeapBytes     uint64  `json:"heap_bytes"`

	// Resource usage from getrusage, zero where unavailable.
	MaxRSSBytes    int64   `json:"max_rss_bytes,omitempty"`
	UserCPUSeconds float64 `json:"user_cpu_seconds,omitempty"`
	SysCPUSeconds  float64 `json:"sys_cpu_seconds,omitempty"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HeapBytes:     memStats.HeapAlloc,
	}
	if ru, ok := readRusage(); ok {
		snap.MaxRSSBytes = ru.maxRSS
		snap.UserCPUSeconds = ru.user.Seconds()
		snap.SysCPUSeconds = ru.sys.Seconds()
	}
	return snap
}

type rusage struct {
	maxRSS int64
	user   time.Duration
	sys    time.Duration
}
