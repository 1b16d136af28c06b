// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mbeema/loopmon/pkg/eventloop"
	"github.com/mbeema/loopmon/pkg/workpool"
)

// LagReader is satisfied by *eventloop.Loop.
type LagReader interface {
	ReadLag() eventloop.Lag
}

// LoopSource reports tick statistics since the previous poll:
//
//	NodeLoopData,<min ms>,<max ms>,<ticks>,<mean ms>
//
// Nothing is reported for an interval without ticks.
type LoopSource struct {
	loop LagReader
}

func NewLoopSource(loop LagReader) *LoopSource {
	return &LoopSource{loop: loop}
}

func (s *LoopSource) Name() string { return "loop" }

func (s *LoopSource) Collect(now time.Time) ([]*Report, error) {
	lag := s.loop.ReadLag()
	if lag.Num == 0 {
		return nil, nil
	}
	lo, hi, mean := millis(lag.Min), millis(lag.Max), millis(lag.Mean())
	return []*Report{{
		Source: "loop",
		Line:   fmt.Sprintf("NodeLoopData,%s,%s,%d,%s", fmtMillis(lo), fmtMillis(hi), lag.Num, fmtMillis(mean)),
		Metrics: []*Metric{
			gauge("loopmon.loop.tick.min", "ms", lo, now),
			gauge("loopmon.loop.tick.max", "ms", hi, now),
			gauge("loopmon.loop.tick.mean", "ms", mean, now),
			gauge("loopmon.loop.ticks", "{ticks}", float64(lag.Num), now),
		},
		Timestamp: now,
	}}, nil
}

// PoolReader is satisfied by *workpool.Pool.
type PoolReader interface {
	ReadStats() workpool.Stats
}

// WorkPoolSource reports NodeWorkPoolData,<submitted>,<completed>,<queued>,<idle>.
// submitted and completed count since the previous poll.
type WorkPoolSource struct {
	pool PoolReader
}

func NewWorkPoolSource(pool PoolReader) *WorkPoolSource {
	return &WorkPoolSource{pool: pool}
}

func (s *WorkPoolSource) Name() string { return "workpool" }

func (s *WorkPoolSource) Collect(now time.Time) ([]*Report, error) {
	st := s.pool.ReadStats()
	return []*Report{{
		Source: "workpool",
		Line:   fmt.Sprintf("NodeWorkPoolData,%d,%d,%d,%d", st.Submitted, st.Completed, st.Queued, st.Idle),
		Metrics: []*Metric{
			gauge("loopmon.workpool.submitted", "{jobs}", float64(st.Submitted), now),
			gauge("loopmon.workpool.completed", "{jobs}", float64(st.Completed), now),
			gauge("loopmon.workpool.queued", "{jobs}", float64(st.Queued), now),
			gauge("loopmon.workpool.idle", "{workers}", float64(st.Idle), now),
		},
		Timestamp: now,
	}}, nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fmtMillis(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
