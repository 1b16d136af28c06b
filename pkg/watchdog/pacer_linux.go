// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && (amd64 || arm64)

package watchdog

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// signalPacer consumes the suspend/resume pair synchronously on the sampler
// thread. Pace allocates nothing and takes no locks.
type signalPacer struct {
	sig     Signals
	set     unix.Sigset_t
	counter *Counter

	state    atomic.Int32
	spurious atomic.Uint64
	released atomic.Bool // no session; Suspend is ignored
}

// parkCheck bounds each wait while parked so a released pacer notices.
var parkCheck = unix.NsecToTimespec(int64(50 * time.Millisecond))

func newPacer(sig Signals, counter *Counter) statePacer {
	p := &signalPacer{
		sig:     sig,
		set:     signalSet(sig.Suspend, sig.Resume),
		counter: counter,
	}
	p.released.Store(true)
	return p
}

// Attach blocks the pair on the calling thread so both stay pending until
// Pace dequeues them. The caller must hold runtime.LockOSThread for the
// life of the thread.
func (p *signalPacer) Attach() error {
	p.state.Store(int32(Running))
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &p.set, nil); err != nil {
		return fmt.Errorf("%w: block on sampler thread: %v", ErrSignalsUnavailable, err)
	}
	return nil
}

// Pace waits up to d while running. A Suspend parks the thread until the
// matching Resume, however long that takes, unless the pacer is released.
// Pace then returns at once so the caller samples immediately.
func (p *signalPacer) Pace(d time.Duration) {
	deadline := time.Now().Add(d)
	var info siginfo
	var ts unix.Timespec
	for {
		suspended := PacerState(p.state.Load()) == Suspended
		timeout := &ts
		if suspended {
			ts = parkCheck
		} else {
			left := time.Until(deadline)
			if left <= 0 {
				return
			}
			ts = unix.NsecToTimespec(left.Nanoseconds())
		}

		sig, errno := sigtimedwait(&p.set, &info, timeout)
		switch {
		case errno == unix.EAGAIN:
			if !suspended {
				return
			}
			if p.released.Load() {
				p.state.Store(int32(Running))
				return
			}
		case errno != 0:
			// EINTR from an unrelated signal; keep waiting.
			continue
		case sig == p.sig.Suspend:
			if p.released.Load() {
				p.spurious.Add(1)
				continue
			}
			p.state.Store(int32(Suspended))
		case sig == p.sig.Resume:
			if PacerState(p.state.Load()) != Suspended {
				p.spurious.Add(1)
				continue
			}
			p.state.Store(int32(Running))
			if info.Code == siTimer {
				p.counter.Increment()
			}
			return
		}
	}
}

func (p *signalPacer) State() PacerState {
	return PacerState(p.state.Load())
}

func (p *signalPacer) setReleased(v bool) {
	p.released.Store(v)
}

// Spurious returns how many Resumes arrived while the thread was running.
func (p *signalPacer) Spurious() uint64 {
	return p.spurious.Load()
}
