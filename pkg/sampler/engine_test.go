// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sampler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/calltree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type switchSource struct {
	busy atomic.Bool
}

var busyStack = []calltree.Frame{
	{Function: "main", File: "main.go", Line: 1},
	{Function: "spin", File: "spin.go", Line: 9},
}

func (s *switchSource) Stack() []calltree.Frame {
	if s.busy.Load() {
		return busyStack
	}
	return nil
}

type countingPacer struct {
	attached atomic.Int32
	paces    atomic.Int64
	err      error
}

func (p *countingPacer) Attach() error {
	p.attached.Add(1)
	return p.err
}

func (p *countingPacer) Pace(d time.Duration) {
	p.paces.Add(1)
	time.Sleep(d)
}

func TestEngineRecordsSamplesAndGaps(t *testing.T) {
	src := &switchSource{}
	e := NewEngine(src, time.Millisecond, zap.NewNop())

	if err := e.StartProfiling(); err != nil {
		t.Fatalf("StartProfiling: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	src.busy.Store(true)
	time.Sleep(30 * time.Millisecond)

	tree, err := e.StopProfiling()
	if err != nil {
		t.Fatalf("StopProfiling: %v", err)
	}
	if tree.Samples == 0 {
		t.Fatal("expected samples while the source was busy")
	}
	if tree.Gaps == 0 {
		t.Error("expected gaps while the source was idle")
	}
	spin := tree.Lookup("spin")
	if len(spin) != 1 || spin[0].HitCount != tree.Samples {
		t.Errorf("all samples should land on spin, got %+v of %d", spin, tree.Samples)
	}
	if tree.End.IsZero() || tree.Root.ID != 1 {
		t.Error("tree was not finished")
	}
}

func TestEngineUsesPacer(t *testing.T) {
	p := &countingPacer{}
	e := NewEngine(&switchSource{}, time.Millisecond, zap.NewNop())
	e.SetPacer(p)

	if err := e.StartProfiling(); err != nil {
		t.Fatalf("StartProfiling: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := e.StopProfiling(); err != nil {
		t.Fatalf("StopProfiling: %v", err)
	}
	if p.attached.Load() != 1 {
		t.Errorf("Attach called %d times, want 1", p.attached.Load())
	}
	if p.paces.Load() == 0 {
		t.Error("Pace never called")
	}
}

func TestEngineAttachFailure(t *testing.T) {
	want := errors.New("no signals")
	e := NewEngine(&switchSource{}, time.Millisecond, zap.NewNop())
	e.SetPacer(&countingPacer{err: want})

	if err := e.StartProfiling(); !errors.Is(err, want) {
		t.Fatalf("StartProfiling = %v, want %v", err, want)
	}
	if _, err := e.StopProfiling(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("StopProfiling after failed start = %v, want ErrNotRunning", err)
	}
}

func TestEngineLifecycleErrors(t *testing.T) {
	e := NewEngine(&switchSource{}, 0, zap.NewNop())
	if e.Interval() != DefaultInterval {
		t.Errorf("Interval = %v, want default", e.Interval())
	}
	if _, err := e.StopProfiling(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := e.StartProfiling(); err != nil {
		t.Fatal(err)
	}
	if err := e.StartProfiling(); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}
	if _, err := e.StopProfiling(); err != nil {
		t.Fatal(err)
	}
	if e.ThreadID() != 0 {
		t.Error("ThreadID should be 0 when stopped")
	}
}
