// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"fmt"
	"runtime"
	"time"
)

// GCSource reports one NodeGCData line per GC cycle completed since the
// previous poll:
//
//	NodeGCData,<end unix ms>,<type>,<heap size>,<heap used>,<pause ms>
//
// The runtime keeps the last 256 pauses; older cycles are lost if polling
// falls that far behind. Go has a single collector kind, reported as "M".
type GCSource struct {
	read   func(*runtime.MemStats)
	lastGC uint32
}

func NewGCSource() *GCSource {
	s := &GCSource{read: runtime.ReadMemStats}
	var ms runtime.MemStats
	s.read(&ms)
	s.lastGC = ms.NumGC
	return s
}

func (s *GCSource) Name() string { return "gc" }

func (s *GCSource) Collect(now time.Time) ([]*Report, error) {
	var ms runtime.MemStats
	s.read(&ms)
	if ms.NumGC == s.lastGC {
		return nil, nil
	}
	n := ms.NumGC - s.lastGC
	if n > uint32(len(ms.PauseNs)) {
		n = uint32(len(ms.PauseNs))
	}
	s.lastGC = ms.NumGC

	reports := make([]*Report, 0, n)
	for i := n; i > 0; i-- {
		idx := (ms.NumGC - i) % uint32(len(ms.PauseNs))
		end := time.Unix(0, int64(ms.PauseEnd[idx]))
		pause := time.Duration(ms.PauseNs[idx])
		reports = append(reports, &Report{
			Source: "gc",
			Line: fmt.Sprintf("NodeGCData,%d,M,%d,%d,%d",
				end.UnixMilli(), ms.HeapSys, ms.HeapAlloc, pause.Milliseconds()),
			Metrics: []*Metric{
				gauge("loopmon.gc.pause", "ms", float64(pause)/float64(time.Millisecond), end),
			},
			Timestamp: now,
		})
	}
	return reports, nil
}

// HeapSource reports NodeHeapData,<heap size>,<heap used>.
type HeapSource struct {
	read func(*runtime.MemStats)
}

func NewHeapSource() *HeapSource {
	return &HeapSource{read: runtime.ReadMemStats}
}

func (s *HeapSource) Name() string { return "heap" }

func (s *HeapSource) Collect(now time.Time) ([]*Report, error) {
	var ms runtime.MemStats
	s.read(&ms)
	return []*Report{{
		Source: "heap",
		Line:   fmt.Sprintf("NodeHeapData,%d,%d", ms.HeapSys, ms.HeapAlloc),
		Metrics: []*Metric{
			gauge("loopmon.heap.size", "By", float64(ms.HeapSys), now),
			gauge("loopmon.heap.used", "By", float64(ms.HeapAlloc), now),
		},
		Timestamp: now,
	}}, nil
}
