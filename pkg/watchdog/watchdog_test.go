// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watchdog

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	w     *Watchdog
	prof  *fakeProfiler
	coord *fakeCoordinator
	hooks *fakeHooks
	pacer *fakePacer
}

func newHarness(t *testing.T, mode Mode, tasks map[int]string) *harness {
	t.Helper()
	h := &harness{
		prof:  &fakeProfiler{},
		coord: &fakeCoordinator{},
		hooks: &fakeHooks{},
		pacer: &fakePacer{released: true},
	}
	h.w = New(h.prof, Config{Mode: mode, ThreadNames: []string{"loopmon:sampler"}}, zap.NewNop())
	h.w.hooks = h.hooks
	h.w.pacer = h.pacer
	h.w.paced = true
	h.w.newCoordinator = func(Signals) (Coordinator, error) { return h.coord, nil }
	useTasks(t, h.w.locator, tasks)
	h.w.locator.Grace = 20 * time.Millisecond
	return h
}

func TestStartZeroTimeoutNeverArms(t *testing.T) {
	h := newHarness(t, ModeIdle, map[int]string{100: "loopmon:sampler"})

	if msg := h.w.StartCpuProfiling(0); msg != "" {
		t.Fatalf("StartCpuProfiling(0) = %q", msg)
	}
	if !h.prof.isRunning() {
		t.Fatal("profiler not started")
	}
	if h.hooks.current() != nil {
		t.Error("hook registered for zero timeout")
	}

	tree, err := h.w.StopCpuProfiling()
	if err != nil {
		t.Fatalf("StopCpuProfiling: %v", err)
	}
	if tree.Empty() {
		t.Error("expected a non-empty call tree")
	}
	if calls := h.coord.take(); len(calls) != 0 {
		t.Errorf("coordinator used without a timeout: %v", calls)
	}
	if n := h.w.ActivationCount(); n != 0 {
		t.Errorf("ActivationCount = %d, want 0", n)
	}
}

func TestStopWithoutStart(t *testing.T) {
	h := newHarness(t, ModeIdle, nil)
	if _, err := h.w.StopCpuProfiling(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("StopCpuProfiling = %v, want ErrNotStarted", err)
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, ModeIdle, nil)
	h.w.StartCpuProfiling(0)
	if msg := h.w.StartCpuProfiling(0); msg == "" {
		t.Error("second start should report a diagnostic")
	}
	if h.prof.starts != 1 {
		t.Errorf("profiler started %d times", h.prof.starts)
	}
	h.w.StopCpuProfiling()
}

func TestIdleModeHookProtocol(t *testing.T) {
	h := newHarness(t, ModeIdle, map[int]string{7: "other", 42: "loopmon:sampler"})

	if msg := h.w.StartCpuProfiling(1000); msg != "" {
		t.Fatalf("StartCpuProfiling = %q", msg)
	}
	if h.coord.tid != 42 {
		t.Errorf("bound to tid %d, want 42", h.coord.tid)
	}
	if h.pacer.released {
		t.Error("pacer still released while armed")
	}
	if !h.w.Armed() {
		t.Error("Armed() = false")
	}
	if got := h.coord.take(); !reflect.DeepEqual(got, []string{"bind"}) {
		t.Errorf("start calls = %v", got)
	}

	hook := h.hooks.current()
	if hook == nil || !hook.Active() {
		t.Fatal("no active hook after start")
	}
	hook.Before(0)
	hook.After(0, syscall.EINTR)
	if got := h.coord.take(); !reflect.DeepEqual(got, []string{"suspend", "arm", "cancel", "resume"}) {
		t.Errorf("wait calls = %v", got)
	}

	if _, err := h.w.StopCpuProfiling(); err != nil {
		t.Fatal(err)
	}
	if got := h.coord.take(); !reflect.DeepEqual(got, []string{"resume", "unbind"}) {
		t.Errorf("stop calls = %v", got)
	}
	if h.hooks.current() != nil {
		t.Error("hook still registered after stop")
	}
	if hook.Active() {
		t.Error("closed session still active")
	}
	if !h.pacer.released {
		t.Error("pacer not released after stop")
	}
	if st := h.w.Stats(); st.Sessions != 1 || st.Degraded != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStallModeParksAtStart(t *testing.T) {
	h := newHarness(t, ModeStall, map[int]string{42: "loopmon:sampler"})

	if msg := h.w.StartCpuProfiling(50); msg != "" {
		t.Fatalf("StartCpuProfiling = %q", msg)
	}
	if got := h.coord.take(); !reflect.DeepEqual(got, []string{"bind", "suspend", "arm"}) {
		t.Errorf("start calls = %v", got)
	}

	hook := h.hooks.current()
	hook.Before(0)
	hook.After(0, 0)
	if got := h.coord.take(); !reflect.DeepEqual(got, []string{"cancel", "suspend", "arm"}) {
		t.Errorf("wait calls = %v", got)
	}
	h.w.StopCpuProfiling()
}

func TestLocatorMissDegrades(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHarness(t, ModeIdle, map[int]string{7: "worker"})
	h.w.logger = zap.New(core)

	begin := time.Now()
	msg := h.w.StartCpuProfiling(1000)
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("start took %v on a locator miss", elapsed)
	}
	if !strings.Contains(msg, ErrThreadNotFound.Error()) {
		t.Errorf("message = %q, want thread-not-found diagnostic", msg)
	}
	if !h.prof.isRunning() {
		t.Fatal("profiling must continue after a locator miss")
	}
	if h.hooks.current() != nil {
		t.Error("hook registered without a sampler thread")
	}
	if logs.Len() != 1 {
		t.Errorf("logged %d warnings, want 1", logs.Len())
	}

	tree, err := h.w.StopCpuProfiling()
	if err != nil || tree.Empty() {
		t.Fatalf("stop = %v, %v", tree, err)
	}
	if st := h.w.Stats(); st.LocatorMisses != 1 || st.Degraded != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestUnsupportedPlatformDegrades(t *testing.T) {
	h := newHarness(t, ModeIdle, map[int]string{42: "loopmon:sampler"})
	h.w.newCoordinator = func(Signals) (Coordinator, error) { return nil, ErrUnsupported }

	if msg := h.w.StartCpuProfiling(100); msg != ErrUnsupported.Error() {
		t.Errorf("message = %q", msg)
	}
	if !h.prof.isRunning() {
		t.Error("profiling must continue on unsupported platforms")
	}
	h.w.StopCpuProfiling()
}

func TestUnpacedProfilerDegrades(t *testing.T) {
	inner := &fakeProfiler{}
	w := New(unpacedProfiler{inner: inner}, Config{}, zap.NewNop())
	w.hooks = &fakeHooks{}

	msg := w.StartCpuProfiling(100)
	if msg == "" {
		t.Error("expected a diagnostic for a profiler without a pacer")
	}
	if !inner.isRunning() {
		t.Error("profiling must continue")
	}
	w.StopCpuProfiling()
}

func TestProfilerStartFailure(t *testing.T) {
	h := newHarness(t, ModeIdle, nil)
	h.prof.err = errors.New("boom")

	if msg := h.w.StartCpuProfiling(100); msg != "boom" {
		t.Errorf("message = %q", msg)
	}
	if _, err := h.w.StopCpuProfiling(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("stop after failed start = %v", err)
	}
}

func TestActivationCountReadAndClear(t *testing.T) {
	h := newHarness(t, ModeIdle, nil)
	h.w.counter.Increment()
	h.w.counter.Increment()

	if n := h.w.ActivationCount(); n != 2 {
		t.Errorf("ActivationCount = %d, want 2", n)
	}
	if n := h.w.ActivationCount(); n != 0 {
		t.Errorf("second ActivationCount = %d, want 0", n)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeIdle, "idle": ModeIdle, "stall": ModeStall} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("eager"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestReserveSignals(t *testing.T) {
	if err := ReserveSignals(DefaultSignals); err != nil {
		t.Errorf("default signals rejected: %v", err)
	}
	bad := []Signals{
		{Suspend: 62, Resume: 62},
		{Suspend: 32, Resume: 63},
		{Suspend: 62, Resume: 65},
	}
	for _, s := range bad {
		if err := ReserveSignals(s); !errors.Is(err, ErrSignalsUnavailable) {
			t.Errorf("ReserveSignals(%+v) = %v, want ErrSignalsUnavailable", s, err)
		}
	}
}

func TestLocatorPriority(t *testing.T) {
	l := NewLocator([]string{"loopmon:sampler", "legacy"})
	useTasks(t, l, map[int]string{10: "legacy", 20: "loopmon:sampler", 30: "main"})

	tid, err := l.Locate(context.Background())
	if err != nil || tid != 20 {
		t.Fatalf("Locate = %d, %v; want 20", tid, err)
	}

	l.Names = []string{"missing", "legacy"}
	if tid, _ := l.Locate(context.Background()); tid != 10 {
		t.Errorf("fallback name: tid %d, want 10", tid)
	}
}

func TestLocatorMissIsBounded(t *testing.T) {
	l := NewLocator([]string{"loopmon:sampler"})
	useTasks(t, l, map[int]string{1: "main"})
	l.Grace = 30 * time.Millisecond

	begin := time.Now()
	_, err := l.Locate(context.Background())
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("Locate = %v, want ErrThreadNotFound", err)
	}
	if elapsed := time.Since(begin); elapsed < 30*time.Millisecond || elapsed > time.Second {
		t.Errorf("Locate returned after %v", elapsed)
	}

	l.Names = nil
	if _, err := l.Locate(context.Background()); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("empty allow-list = %v", err)
	}
}

func TestLocatorMissingProc(t *testing.T) {
	l := NewLocator([]string{"x"})
	l.root = "/nonexistent"
	l.Grace = 0
	if _, err := l.Locate(context.Background()); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("Locate = %v, want ErrThreadNotFound", err)
	}
}

func TestLocatorSkipsPreviousThread(t *testing.T) {
	l := NewLocator([]string{"loopmon:sampler"})
	useTasks(t, l, map[int]string{10: "loopmon:sampler", 11: "loopmon:sampler"})

	tid, err := l.Locate(context.Background(), 10)
	if err != nil || tid != 11 {
		t.Fatalf("Locate skipping 10 = %d, %v; want 11", tid, err)
	}

	l.Grace = 0
	if _, err := l.Locate(context.Background(), 10, 11); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("Locate with every match skipped = %v", err)
	}
}

func TestRestartSkipsPreviousSamplerThread(t *testing.T) {
	h := newHarness(t, ModeIdle, map[int]string{42: "loopmon:sampler", 43: "loopmon:sampler"})

	if msg := h.w.StartCpuProfiling(100); msg != "" {
		t.Fatal(msg)
	}
	first := h.coord.tid
	h.w.StopCpuProfiling()

	if msg := h.w.StartCpuProfiling(100); msg != "" {
		t.Fatal(msg)
	}
	if h.coord.tid == first {
		t.Errorf("restart bound the previous sampler thread %d again", first)
	}
	h.w.StopCpuProfiling()
}
