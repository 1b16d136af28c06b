// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package sampler is a statistical CPU profiler for a single event loop.
// A dedicated OS thread wakes at a fixed interval and records the loop's
// current call stack into a call tree.
package sampler

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/calltree"
)

// ThreadName is the OS thread name of the sampling thread. Linux truncates
// thread names to 15 bytes.
const ThreadName = "loopmon:sampler"

// ThreadNames is the default allow-list a thread locator should search.
var ThreadNames = []string{ThreadName}

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = time.Millisecond

// exitGrace bounds how long StopProfiling waits for the kernel to retire
// the sampling thread.
const exitGrace = 200 * time.Millisecond

var (
	ErrRunning    = errors.New("sampler already running")
	ErrNotRunning = errors.New("sampler not running")
)

// Source exposes the sampled thread's current stack, outermost frame first.
// An empty stack means the thread is not running code worth attributing.
// Stack is called from the sampling thread and must be safe for that.
type Source interface {
	Stack() []calltree.Frame
}

// Pacer replaces the sleep between samples. Attach runs once on the
// sampling thread before the first sample.
type Pacer = interface {
	Attach() error
	Pace(d time.Duration)
}

type run struct {
	stop atomic.Bool
	tid  atomic.Int64
	done chan struct{}
	tree *calltree.Tree
}

// Engine samples one Source. It satisfies the profiler interface expected
// by the watchdog.
type Engine struct {
	src    Source
	logger *zap.Logger

	mu       sync.Mutex
	interval time.Duration
	pacer    Pacer
	cur      *run
}

// NewEngine returns an idle engine. interval <= 0 uses DefaultInterval.
func NewEngine(src Source, interval time.Duration, logger *zap.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		src:      src,
		interval: interval,
		logger:   logger.Named("sampler"),
	}
}

// SetPacer installs p for subsequent sessions.
func (e *Engine) SetPacer(p Pacer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pacer = p
}

// SetInterval changes the sampling period for subsequent sessions.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = d
}

// Interval returns the configured sampling period.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// StartProfiling spawns the sampling thread and returns once it is named
// and attached to the pacer.
func (e *Engine) StartProfiling() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		return ErrRunning
	}

	r := &run{
		done: make(chan struct{}),
		tree: calltree.New(time.Now()),
	}
	ready := make(chan error, 1)
	go e.loop(r, e.interval, e.pacer, ready)
	if err := <-ready; err != nil {
		<-r.done
		return err
	}
	e.cur = r
	return nil
}

// StopProfiling ends the session, waits for the sampling thread to exit and
// returns the finished tree. The goroutine finishing is not enough: the
// thread keeps its name until the kernel retires it, and a locator must not
// find it next to the next session's thread.
func (e *Engine) StopProfiling() (*calltree.Tree, error) {
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r == nil {
		return nil, ErrNotRunning
	}
	r.stop.Store(true)
	<-r.done
	if tid := int(r.tid.Load()); !waitExit(tid) {
		e.logger.Debug("sampling thread still present after stop", zap.Int("tid", tid))
	}
	e.logger.Debug("session finished",
		zap.Int64("samples", r.tree.Samples), zap.Int64("gaps", r.tree.Gaps))
	return r.tree, nil
}

// ThreadID returns the OS thread id of the running sampling thread, or 0.
func (e *Engine) ThreadID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return 0
	}
	return int(e.cur.tid.Load())
}

func (e *Engine) loop(r *run, interval time.Duration, pacer Pacer, ready chan<- error) {
	defer close(r.done)

	// Never unlocked: the thread exits with this goroutine, taking its
	// name and signal mask with it.
	runtime.LockOSThread()

	if err := nameThread(ThreadName); err != nil {
		e.logger.Debug("could not name sampling thread", zap.Error(err))
	}
	r.tid.Store(int64(threadID()))
	if pacer != nil {
		if err := pacer.Attach(); err != nil {
			ready <- err
			return
		}
	}
	ready <- nil

	for {
		if pacer != nil {
			pacer.Pace(interval)
		} else {
			time.Sleep(interval)
		}
		if r.stop.Load() {
			break
		}
		r.tree.Add(e.src.Stack())
	}
	r.tree.Finish(time.Now())
}

func waitExit(tid int) bool {
	if tid == 0 {
		return true
	}
	deadline := time.Now().Add(exitGrace)
	for !threadExited(tid) {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}
