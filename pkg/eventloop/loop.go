// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package eventloop is a single-threaded, callback-driven event loop pinned
// to one OS thread. Timers, posted callbacks and readable file descriptors
// are dispatched on that thread; between ticks it blocks in one
// I/O-multiplexing wait routed through the syscall interceptor.
//
// While a callback runs the loop publishes a shadow call stack that a
// sampling profiler can read from another thread. While the loop waits the
// stack is empty.
package eventloop

import (
	"container/heap"
	"context"
	"errors"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/calltree"
	"github.com/mbeema/loopmon/pkg/intercept"
	"github.com/mbeema/loopmon/pkg/queue"
)

var (
	ErrRunning = errors.New("event loop already running")
	ErrClosed  = errors.New("event loop closed")
)

// poller is the platform wait primitive.
type poller interface {
	// wait blocks up to timeout (forever if negative) and reports ready
	// descriptors. A wake or signal ends the wait early.
	wait(timeout time.Duration, ready func(fd int)) error
	wake() error
	add(fd int) error
	remove(fd int) error
	close() error
}

// Lag summarizes loop tick durations: the time from the end of one wait to
// the start of the next.
type Lag struct {
	Min time.Duration
	Max time.Duration
	Num uint64
	Sum time.Duration
}

// Mean returns the average tick duration.
func (l Lag) Mean() time.Duration {
	if l.Num == 0 {
		return 0
	}
	return l.Sum / time.Duration(l.Num)
}

// Loop is an event loop. Create with New, drive with Run.
type Loop struct {
	logger *zap.Logger
	poll   poller

	// Loop-thread state.
	timers   timerHeap
	seq      uint64
	active   int // referenced timers and watchers
	watchers map[int]func()
	frames   []calltree.Frame
	names    map[uintptr]calltree.Frame

	holds   atomic.Int64
	posted  *queue.Queue[func()]
	stack   atomic.Pointer[[]calltree.Frame]
	tid     atomic.Int64
	running atomic.Bool
	stopReq atomic.Bool

	lagMu sync.Mutex
	lag   Lag
}

// New creates a loop whose waits go through ic. A nil ic uses
// intercept.Default().
func New(ic *intercept.Interceptor, logger *zap.Logger) (*Loop, error) {
	if ic == nil {
		ic = intercept.Default()
	}
	p, err := newPoller(ic)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		logger:   logger.Named("eventloop"),
		poll:     p,
		watchers: make(map[int]func()),
		names:    make(map[uintptr]calltree.Frame),
	}
	l.posted = queue.New[func()](func() {
		if err := l.poll.wake(); err != nil {
			l.logger.Debug("wake failed", zap.Error(err))
		}
	})
	return l, nil
}

// Post schedules fn on the loop thread. Safe from any goroutine.
func (l *Loop) Post(fn func()) error {
	if err := l.posted.Push(fn); err != nil {
		return ErrClosed
	}
	return nil
}

// Ref keeps the loop alive until the returned release is called. Safe from
// any goroutine.
func (l *Loop) Ref() (release func()) {
	l.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.holds.Add(-1)
			l.poll.wake()
		})
	}
}

// SetTimeout runs fn once after d. Loop thread only.
func (l *Loop) SetTimeout(d time.Duration, fn func()) *Timer {
	return l.schedule(d, 0, fn)
}

// SetInterval runs fn every d, first after d. Loop thread only.
func (l *Loop) SetInterval(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return l.schedule(d, d, fn)
}

func (l *Loop) schedule(d, period time.Duration, fn func()) *Timer {
	l.seq++
	t := &Timer{
		loop:   l,
		when:   time.Now().Add(d),
		period: period,
		fn:     fn,
		seq:    l.seq,
		index:  -1,
	}
	heap.Push(&l.timers, t)
	l.active++
	return t
}

// Watch calls fn on the loop thread whenever fd is readable. Loop thread
// only. The descriptor must be non-blocking.
func (l *Loop) Watch(fd int, fn func()) error {
	if _, ok := l.watchers[fd]; ok {
		return errors.New("descriptor already watched")
	}
	if err := l.poll.add(fd); err != nil {
		return err
	}
	l.watchers[fd] = fn
	l.active++
	return nil
}

// Unwatch stops watching fd. Loop thread only.
func (l *Loop) Unwatch(fd int) error {
	if _, ok := l.watchers[fd]; !ok {
		return nil
	}
	delete(l.watchers, fd)
	l.active--
	return l.poll.remove(fd)
}

// Enter pushes f onto the shadow stack; the returned func pops it. Loop
// thread only.
func (l *Loop) Enter(f calltree.Frame) (exit func()) {
	l.frames = append(l.frames, f)
	l.publish()
	depth := len(l.frames) - 1
	return func() {
		l.frames = l.frames[:depth]
		l.publish()
	}
}

// Call runs fn inside a frame named name, or after fn itself when name is
// empty. Loop thread only.
func (l *Loop) Call(name string, fn func()) {
	f := l.frameOf(fn)
	if name != "" {
		f.Function = name
	}
	exit := l.Enter(f)
	defer exit()
	fn()
}

func (l *Loop) frameOf(fn func()) calltree.Frame {
	pc := reflect.ValueOf(fn).Pointer()
	if f, ok := l.names[pc]; ok {
		return f
	}
	f := calltree.Frame{Function: "(anonymous)"}
	if rf := runtime.FuncForPC(pc); rf != nil {
		f.Function = rf.Name()
		f.File, f.Line = rf.FileLine(pc)
	}
	l.names[pc] = f
	return f
}

func (l *Loop) publish() {
	if len(l.frames) == 0 {
		l.stack.Store(nil)
		return
	}
	snap := make([]calltree.Frame, len(l.frames))
	copy(snap, l.frames)
	l.stack.Store(&snap)
}

// Stack returns the loop thread's current call stack, outermost first, or
// nil while it waits. Safe from any thread.
func (l *Loop) Stack() []calltree.Frame {
	if s := l.stack.Load(); s != nil {
		return *s
	}
	return nil
}

// ThreadID returns the OS thread id of the running loop, or 0.
func (l *Loop) ThreadID() int {
	return int(l.tid.Load())
}

// ReadLag returns tick statistics since the previous call and resets them.
func (l *Loop) ReadLag() Lag {
	l.lagMu.Lock()
	defer l.lagMu.Unlock()
	out := l.lag
	l.lag = Lag{}
	return out
}

func (l *Loop) recordTick(d time.Duration) {
	l.lagMu.Lock()
	defer l.lagMu.Unlock()
	if l.lag.Num == 0 || d < l.lag.Min {
		l.lag.Min = d
	}
	if d > l.lag.Max {
		l.lag.Max = d
	}
	l.lag.Num++
	l.lag.Sum += d
}

// Stop asks Run to return after the current tick. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopReq.Store(true)
	l.poll.wake()
}

func (l *Loop) alive() bool {
	return l.active > 0 || l.holds.Load() > 0 || l.posted.Len() > 0
}

// Run drives the loop on the calling goroutine, locked to its OS thread,
// until Stop, ctx cancellation, or nothing keeps it alive. A loop runs once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.tid.Store(int64(threadID()))
	defer func() {
		l.tid.Store(0)
		l.posted.Close()
		l.poll.close()
	}()

	stopWatch := context.AfterFunc(ctx, l.Stop)
	defer stopWatch()

	var tickStart time.Time
	for {
		l.runTimers()
		l.runPosted()
		if l.stopReq.Load() || !l.alive() {
			break
		}

		timeout := time.Duration(-1)
		if len(l.timers) > 0 {
			timeout = time.Until(l.timers[0].when)
			if timeout < 0 {
				timeout = 0
			}
		}
		if !tickStart.IsZero() {
			l.recordTick(time.Since(tickStart))
		}
		if err := l.poll.wait(timeout, l.dispatch); err != nil {
			return err
		}
		tickStart = time.Now()
	}
	l.logger.Debug("event loop exited", zap.Bool("stopped", l.stopReq.Load()))
	return ctx.Err()
}

func (l *Loop) dispatch(fd int) {
	if fn, ok := l.watchers[fd]; ok {
		l.Call("", fn)
	}
}

func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		if !t.unref {
			l.active--
		}
		if t.period > 0 {
			t.when = now.Add(t.period)
			heap.Push(&l.timers, t)
			if !t.unref {
				l.active++
			}
		}
		l.Call("", t.fn)
	}
}

func (l *Loop) runPosted() {
	l.posted.Drain(func(fn func()) {
		l.Call("", fn)
	})
}
