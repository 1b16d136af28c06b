// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && (amd64 || arm64)

package watchdog

import (
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mbeema/loopmon/pkg/calltree"
	"github.com/mbeema/loopmon/pkg/intercept"
	"github.com/mbeema/loopmon/pkg/sampler"
)

// pacedThread runs a pacer on its own OS thread until stopped.
type pacedThread struct {
	pacer *signalPacer
	tid   int
	stop  atomic.Bool
	done  chan struct{}
}

func startPacedThread(t *testing.T, counter *Counter) *pacedThread {
	t.Helper()
	pt := &pacedThread{
		pacer: newPacer(DefaultSignals, counter).(*signalPacer),
		done:  make(chan struct{}),
	}
	pt.pacer.setReleased(false)
	ready := make(chan int)
	go func() {
		defer close(pt.done)
		runtime.LockOSThread()
		if err := pt.pacer.Attach(); err != nil {
			t.Errorf("Attach: %v", err)
			ready <- 0
			return
		}
		ready <- unix.Gettid()
		for !pt.stop.Load() {
			pt.pacer.Pace(2 * time.Millisecond)
		}
	}()
	pt.tid = <-ready
	if pt.tid == 0 {
		t.FailNow()
	}
	t.Cleanup(func() {
		pt.pacer.setReleased(true)
		pt.stop.Store(true)
		<-pt.done
	})
	return pt
}

func boundCoordinator(t *testing.T, tid int) Coordinator {
	t.Helper()
	c, err := newCoordinator(DefaultSignals)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Bind(tid); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { c.Unbind() })
	return c
}

func TestTimerForcesResume(t *testing.T) {
	var counter Counter
	pt := startPacedThread(t, &counter)
	c := boundCoordinator(t, pt.tid)

	if err := c.Suspend(); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, time.Second, func() bool { return pt.pacer.State() == Suspended }) {
		t.Fatal("sampler never parked")
	}

	const timeout = 100 * time.Millisecond
	begin := time.Now()
	if err := c.ArmResumeTimer(timeout); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, timeout+time.Second, func() bool { return pt.pacer.State() == Running }) {
		t.Fatal("sampler not resumed by the timer")
	}
	elapsed := time.Since(begin)
	if elapsed < timeout-5*time.Millisecond {
		t.Errorf("resumed after %v, before the %v timeout", elapsed, timeout)
	}
	if n := counter.Load(); n != 1 {
		t.Errorf("activations = %d, want 1", n)
	}

	// The timer already answered the Suspend; no second wake-up is sent.
	c.CancelTimer()
	c.Resume()
	time.Sleep(20 * time.Millisecond)
	if s := pt.pacer.Spurious(); s != 0 {
		t.Errorf("spurious resumes = %d, want 0", s)
	}
}

func TestResumeBeforeTimerDoesNotCount(t *testing.T) {
	var counter Counter
	pt := startPacedThread(t, &counter)
	c := boundCoordinator(t, pt.tid)

	c.Suspend()
	c.ArmResumeTimer(50 * time.Millisecond)
	if err := c.Resume(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if n := counter.Load(); n != 0 {
		t.Errorf("activations = %d, want 0", n)
	}
	if pt.pacer.State() != Running {
		t.Error("sampler left suspended")
	}
	if pt.pacer.Spurious() != 0 {
		t.Error("disarmed timer still delivered a resume")
	}
	if tc := c.(*threadCoordinator); tc.armed.Load() {
		t.Error("timer left armed")
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	var counter Counter
	pt := startPacedThread(t, &counter)
	c := boundCoordinator(t, pt.tid)

	c.Suspend()
	c.Suspend()
	if !waitFor(t, time.Second, func() bool { return pt.pacer.State() == Suspended }) {
		t.Fatal("sampler never parked")
	}
	c.Resume()
	c.Resume()

	if !waitFor(t, time.Second, func() bool { return pt.pacer.State() == Running }) {
		t.Fatal("sampler not resumed")
	}
	time.Sleep(20 * time.Millisecond)
	if pt.pacer.State() != Running {
		t.Error("duplicate Suspend re-parked the sampler")
	}
	if pt.pacer.Spurious() != 0 {
		t.Errorf("spurious = %d, want 0", pt.pacer.Spurious())
	}
	if counter.Load() != 0 {
		t.Errorf("activations = %d, want 0", counter.Load())
	}
}

func TestReleasedPacerIgnoresSuspend(t *testing.T) {
	var counter Counter
	pt := startPacedThread(t, &counter)
	c := boundCoordinator(t, pt.tid)

	pt.pacer.setReleased(true)
	c.Suspend()
	time.Sleep(20 * time.Millisecond)
	if pt.pacer.State() != Running {
		t.Error("released pacer parked")
	}
}

// loopSource reports a busy stack except while the loop is blocked.
type loopSource struct {
	blocked atomic.Bool
}

var workStack = []calltree.Frame{{Function: "tick", File: "loop.go", Line: 3}}

func (s *loopSource) Stack() []calltree.Frame {
	if s.blocked.Load() {
		return nil
	}
	return workStack
}

func blockingWait(d time.Duration) {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	intercept.Default().Syscall6(unix.SYS_PPOLL, 0, 0, uintptr(unsafe.Pointer(&ts)), 0, 0, 0)
}

func scenario(t *testing.T, timeout, block time.Duration) (*calltree.Tree, uint32, *Watchdog) {
	t.Helper()
	src := &loopSource{}
	engine := sampler.NewEngine(src, time.Millisecond, zap.NewNop())
	w := New(engine, Config{ThreadNames: sampler.ThreadNames}, zap.NewNop())

	if msg := w.StartCpuProfiling(uint64(timeout / time.Millisecond)); msg != "" {
		t.Fatalf("StartCpuProfiling: %s", msg)
	}
	time.Sleep(30 * time.Millisecond)

	src.blocked.Store(true)
	blockingWait(block)
	src.blocked.Store(false)

	time.Sleep(30 * time.Millisecond)
	tree, err := w.StopCpuProfiling()
	if err != nil {
		t.Fatalf("StopCpuProfiling: %v", err)
	}
	return tree, w.ActivationCount(), w
}

func TestLongWaitForcesOneResume(t *testing.T) {
	timeout, block := time.Second, 5*time.Second
	if testing.Short() {
		timeout, block = 100*time.Millisecond, 500*time.Millisecond
	}
	tree, activations, _ := scenario(t, timeout, block)

	if activations != 1 {
		t.Errorf("ActivationCount = %d, want 1", activations)
	}
	if tree.Empty() {
		t.Fatal("expected samples from the busy phases")
	}
	// After the forced resume the sampler runs while the loop is still
	// blocked; those ticks are gaps, not samples.
	if tree.Gaps == 0 {
		t.Error("expected gaps after the forced resume")
	}
	if n := len(tree.Root.Children); n != 1 || tree.Root.Children[0].FunctionName != "tick" {
		t.Errorf("unexpected tree shape: %+v", tree.Root.Children)
	}
}

func TestShortWaitResumesExplicitly(t *testing.T) {
	timeout, block := time.Second, 200*time.Millisecond
	if testing.Short() {
		timeout, block = 100*time.Millisecond, 20*time.Millisecond
	}
	tree, activations, w := scenario(t, timeout, block)

	if activations != 0 {
		t.Errorf("ActivationCount = %d, want 0", activations)
	}
	if tree.Empty() {
		t.Error("expected samples")
	}
	if st := w.Stats(); st.Spurious != 0 || st.HookFailures != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestZeroTimeoutSendsNothing(t *testing.T) {
	src := &loopSource{}
	engine := sampler.NewEngine(src, time.Millisecond, zap.NewNop())
	w := New(engine, Config{ThreadNames: sampler.ThreadNames}, zap.NewNop())

	if msg := w.StartCpuProfiling(0); msg != "" {
		t.Fatal(msg)
	}
	blockingWait(50 * time.Millisecond)
	tree, err := w.StopCpuProfiling()
	if err != nil {
		t.Fatal(err)
	}
	if tree.Empty() {
		t.Error("expected samples")
	}
	if w.ActivationCount() != 0 || w.Stats().Sessions != 0 {
		t.Error("suspend path used with a zero timeout")
	}
}

func blocked(t *testing.T, sig syscall.Signal) bool {
	t.Helper()
	var cur unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, nil, &cur); err != nil {
		t.Fatal(err)
	}
	n := uint(sig - 1)
	return cur.Val[n/64]&(1<<(n%64)) != 0
}

func TestMaskSignalsRestoresPriorMask(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pre := signalSet(DefaultSignals.Suspend)
	var saved unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &pre, &saved); err != nil {
		t.Fatal(err)
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &saved, nil)

	restore, err := maskSignals(DefaultSignals)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked(t, DefaultSignals.Resume) {
		t.Error("resume signal not blocked while masked")
	}
	if err := restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !blocked(t, DefaultSignals.Suspend) {
		t.Error("a signal blocked before masking was unblocked by restore")
	}
	if blocked(t, DefaultSignals.Resume) {
		t.Error("resume signal still blocked after restore")
	}
}

func TestRestartBindsCurrentSamplerThread(t *testing.T) {
	cycles := 200
	if testing.Short() {
		cycles = 25
	}
	engine := sampler.NewEngine(&loopSource{}, time.Millisecond, zap.NewNop())
	w := New(engine, Config{ThreadNames: sampler.ThreadNames}, zap.NewNop())

	for i := 0; i < cycles; i++ {
		if msg := w.StartCpuProfiling(100); msg != "" {
			t.Fatalf("cycle %d: StartCpuProfiling: %s", i, msg)
		}
		w.mu.Lock()
		bound := w.session.tid
		w.mu.Unlock()
		if running := engine.ThreadID(); bound != running {
			t.Fatalf("cycle %d: bound tid %d, sampler runs on %d", i, bound, running)
		}
		blockingWait(time.Millisecond)
		if _, err := w.StopCpuProfiling(); err != nil {
			t.Fatalf("cycle %d: StopCpuProfiling: %v", i, err)
		}
	}
	if st := w.Stats(); st.HookFailures != 0 || st.Degraded != 0 || st.Sessions != uint64(cycles) {
		t.Errorf("stats = %+v", st)
	}
}
