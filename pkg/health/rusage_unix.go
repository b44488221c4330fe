// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build unix

package health

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

func readRusage() (rusage, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return rusage{}, false
	}
	maxRSS := int64(ru.Maxrss)
	// Linux and the BSDs report kilobytes, darwin reports bytes.
	if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
		maxRSS *= 1024
	}
	return rusage{
		maxRSS: maxRSS,
		user:   time.Duration(ru.Utime.Nano()),
		sys:    time.Duration(ru.Stime.Nano()),
	}, true
}
