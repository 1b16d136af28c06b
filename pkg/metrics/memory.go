// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MemorySource reports host and process memory:
//
//	MemorySource,<unix ms>,totalphysicalmemory=..,physicalmemory=..,privatememory=..,virtualmemory=..,freephysicalmemory=..
//
// physicalmemory is the process RSS, virtualmemory its VMS, privatememory
// the memory the Go runtime obtained from the OS.
type MemorySource struct {
	proc *process.Process
}

// NewMemorySource opens the current process.
func NewMemorySource() (*MemorySource, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	return &MemorySource{proc: proc}, nil
}

func (s *MemorySource) Name() string { return "memory" }

func (s *MemorySource) Collect(now time.Time) ([]*Report, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("process memory: %w", err)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return []*Report{{
		Source: "memory",
		Line: fmt.Sprintf("MemorySource,%d,totalphysicalmemory=%d,physicalmemory=%d,privatememory=%d,virtualmemory=%d,freephysicalmemory=%d",
			now.UnixMilli(), vm.Total, info.RSS, ms.Sys, info.VMS, vm.Free),
		Metrics: []*Metric{
			gauge("system.memory.limit", "By", float64(vm.Total), now),
			gauge("system.memory.free", "By", float64(vm.Free), now),
			gauge("process.memory.usage", "By", float64(info.RSS), now),
			gauge("process.memory.virtual", "By", float64(info.VMS), now),
			gauge("process.runtime.go.mem.sys", "By", float64(ms.Sys), now),
		},
		Timestamp: now,
	}}, nil
}
