// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package watchdog keeps a statistical CPU sampler from running while the
// event thread is parked in an I/O wait, and bounds how long it may be held
// back.
//
// The event thread suspends the sampler thread with a thread-directed
// real-time signal just before an intercepted wait and resumes it right
// after. A one-shot timer aimed at the sampler thread resumes it anyway once
// the timeout elapses; those forced resumes are counted.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/calltree"
	"github.com/mbeema/loopmon/pkg/intercept"
)

// ErrNotStarted is returned by StopCpuProfiling without a matching start.
var ErrNotStarted = errors.New("cpu profiling not started")

var errNotPaced = errors.New("profiler does not accept a pacer; sampler cannot be suspended")

// Profiler is the sampling engine the watchdog wraps. An engine that also
// implements SetPacer(Pacer) receives the watchdog's pacer once, at New.
type Profiler interface {
	StartProfiling() error
	StopProfiling() (*calltree.Tree, error)
}

type statePacer interface {
	Pacer
	State() PacerState
	Spurious() uint64
	setReleased(bool)
}

// hookPoint is satisfied by *intercept.Interceptor.
type hookPoint interface {
	Install() error
	SetHook(intercept.Hook)
	ClearHook()
}

// Config holds watchdog settings.
type Config struct {
	Signals     Signals
	Mode        Mode
	ThreadNames []string      // sampler thread names, in priority order
	LocateGrace time.Duration // 0 uses the locator default
}

// Stats are cumulative since New.
type Stats struct {
	Sessions      uint64 // sessions that armed the suspend path
	Degraded      uint64 // starts that fell back to unthrottled sampling
	LocatorMisses uint64
	HookFailures  uint64
	Spurious      uint64 // Resumes that reached a running sampler
}

// platformOnce limits the unsupported-platform warning to one per process.
var platformOnce sync.Once

// Watchdog wraps a Profiler. Start and Stop are serialized; the suspend
// path itself shares only atomics with them.
type Watchdog struct {
	profiler Profiler
	cfg      Config
	logger   *zap.Logger

	hooks          hookPoint
	locator        *Locator
	newCoordinator func(Signals) (Coordinator, error)
	pacer          statePacer
	paced          bool
	signalErr      error

	counter Counter

	mu      sync.Mutex
	started bool
	session *session
	lastTid int // sampler thread of the previous armed session

	sessions      atomic.Uint64
	degraded      atomic.Uint64
	locatorMisses atomic.Uint64
	hookFailures  atomic.Uint64
}

// New creates a watchdog around p.
func New(p Profiler, cfg Config, logger *zap.Logger) *Watchdog {
	if cfg.Signals == (Signals{}) {
		cfg.Signals = DefaultSignals
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeIdle
	}

	w := &Watchdog{
		profiler:       p,
		cfg:            cfg,
		logger:         logger.Named("watchdog"),
		hooks:          intercept.Default(),
		locator:        NewLocator(cfg.ThreadNames),
		newCoordinator: newCoordinator,
	}
	if cfg.LocateGrace > 0 {
		w.locator.Grace = cfg.LocateGrace
	}

	if err := ReserveSignals(cfg.Signals); err != nil {
		w.signalErr = err
		return w
	}
	if pacer := newPacer(cfg.Signals, &w.counter); pacer != nil {
		w.pacer = pacer
		if ps, ok := p.(interface{ SetPacer(Pacer) }); ok {
			ps.SetPacer(pacer)
			w.paced = true
		}
	}
	return w
}

// StartCpuProfiling starts the profiler. A zero timeout starts it with no
// suspension at all. Otherwise the sampler is suspended around intercepted
// waits for at most timeoutMs each.
//
// Profiling runs whenever the profiler itself started. A non-empty return
// explains why the suspend path is not armed.
func (w *Watchdog) StartCpuProfiling(timeoutMs uint64) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return "cpu profiling already started"
	}

	if timeoutMs == 0 {
		if err := w.profiler.StartProfiling(); err != nil {
			w.logger.Warn("profiler start failed", zap.Error(err))
			return err.Error()
		}
		w.started = true
		return ""
	}

	w.counter.Exchange(0)
	if err := w.startMasked(); err != nil {
		w.logger.Warn("profiler start failed", zap.Error(err))
		return err.Error()
	}
	w.started = true

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if err := w.arm(timeout); err != nil {
		w.degraded.Add(1)
		if errors.Is(err, ErrUnsupported) {
			platformOnce.Do(func() {
				w.logger.Warn("watchdog unavailable, profiling without suspension", zap.Error(err))
			})
			return ErrUnsupported.Error()
		}
		w.logger.Warn("watchdog not armed, profiling without suspension",
			zap.Duration("timeout", timeout), zap.Error(err))
		return err.Error()
	}
	return ""
}

// startMasked starts the profiler with the pair blocked on this thread.
func (w *Watchdog) startMasked() error {
	if w.signalErr != nil {
		return w.profiler.StartProfiling()
	}
	restore, err := maskSignals(w.cfg.Signals)
	if err != nil {
		return err
	}
	err = w.profiler.StartProfiling()
	if rerr := restore(); rerr != nil {
		w.logger.Warn("signal mask not restored", zap.Error(rerr))
	}
	return err
}

func (w *Watchdog) arm(timeout time.Duration) error {
	if w.signalErr != nil {
		return w.signalErr
	}
	if w.pacer == nil {
		return ErrUnsupported
	}
	if !w.paced {
		return errNotPaced
	}
	if err := w.hooks.Install(); err != nil {
		if errors.Is(err, intercept.ErrUnsupported) {
			return ErrUnsupported
		}
		return fmt.Errorf("install interceptor: %w", err)
	}
	coord, err := w.newCoordinator(w.cfg.Signals)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.locator.Grace+time.Second)
	defer cancel()
	tid, err := w.locator.Locate(ctx, w.lastTid)
	if err != nil {
		w.locatorMisses.Add(1)
		return fmt.Errorf("%w (looked for %q)", err, w.locator.Names)
	}

	w.pacer.setReleased(false)
	if err := coord.Bind(tid); err != nil {
		w.pacer.setReleased(true)
		return err
	}
	s := newSession(tid, timeout, w.cfg.Mode, coord, w.logger)
	if err := s.park(); err != nil {
		s.close()
		w.pacer.setReleased(true)
		return fmt.Errorf("park sampler: %w", err)
	}
	w.hooks.SetHook(s)
	w.session = s
	w.lastTid = tid
	w.sessions.Add(1)
	w.logger.Debug("watchdog armed",
		zap.Int("tid", tid), zap.Duration("timeout", timeout), zap.String("mode", string(w.cfg.Mode)))
	return nil
}

// StopCpuProfiling releases the sampler, stops the profiler and hands over
// its call tree.
func (w *Watchdog) StopCpuProfiling() (*calltree.Tree, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, ErrNotStarted
	}
	w.started = false

	if s := w.session; s != nil {
		w.session = nil
		w.hooks.ClearHook()
		if err := s.close(); err != nil {
			w.logger.Warn("watchdog release failed", zap.Int("tid", s.tid), zap.Error(err))
		}
		w.pacer.setReleased(true)
		w.hookFailures.Add(s.failures.Load())
	}
	return w.profiler.StopProfiling()
}

// ActivationCount returns the number of forced resumes since the last call
// or the last armed start, and clears it.
func (w *Watchdog) ActivationCount() uint32 {
	return w.counter.Exchange(0)
}

// Armed reports whether the suspend path is active.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session != nil
}

// Stats returns cumulative counters.
func (w *Watchdog) Stats() Stats {
	st := Stats{
		Sessions:      w.sessions.Load(),
		Degraded:      w.degraded.Load(),
		LocatorMisses: w.locatorMisses.Load(),
		HookFailures:  w.hookFailures.Load(),
	}
	if w.pacer != nil {
		st.Spurious = w.pacer.Spurious()
	}
	return st
}
