// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile starts and stops pprof profiling for command invocations.
// StopProfiling must run on every exit path that saw StartProfiling, so main
// defers it unconditionally.
package profile

import (
	"os"
	"runtime/pprof"
)

var stopQueue = []func() error{}

// StartProfiling begins CPU profiling immediately and schedules a heap
// snapshot for StopProfiling time.
func StartProfiling(cpuFile, memoryFile string) error {
	cpuF, err := os.Create(cpuFile)
	if err != nil {
		return err
	}

	if err := pprof.StartCPUProfile(cpuF); err != nil {
		return err
	}

	stopQueue = append(stopQueue, func() error {
		pprof.StopCPUProfile()
		return cpuF.Close()
	})

	memoryF, err := os.Create(memoryFile)
	if err != nil {
		return err
	}

	stopQueue = append(stopQueue, func() error {
		if err := pprof.WriteHeapProfile(memoryF); err != nil {
			return err
		}
		return memoryF.Close()
	})

	return nil
}

// StopProfiling flushes every profile StartProfiling opened. Without a
// preceding StartProfiling call it does nothing.
func StopProfiling() error {
	for _, stop := range stopQueue {
		if stop == nil {
			continue
		}
		if err := stop(); err != nil {
			return err
		}
	}

	return nil
}
