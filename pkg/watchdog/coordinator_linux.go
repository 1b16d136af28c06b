// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && (amd64 || arm64)

package watchdog

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// threadCoordinator drives a sampler thread with tgkill and a
// thread-directed POSIX timer. All state is atomic; nothing blocks.
type threadCoordinator struct {
	sig Signals
	pid int

	tid     atomic.Int32
	timer   atomic.Int32
	hasTmr  atomic.Bool
	armed   atomic.Bool
	pending atomic.Bool // a Suspend has been sent and not yet answered
}

func newCoordinator(sig Signals) (Coordinator, error) {
	return &threadCoordinator{sig: sig, pid: unix.Getpid()}, nil
}

func (c *threadCoordinator) Bind(tid int) error {
	if tid <= 0 {
		return fmt.Errorf("bind: invalid thread id %d", tid)
	}
	id, err := timerCreate(tid, c.sig.Resume)
	if err != nil {
		return fmt.Errorf("timer_create: %w", err)
	}
	c.timer.Store(id)
	c.hasTmr.Store(true)
	c.tid.Store(int32(tid))
	return nil
}

func (c *threadCoordinator) send(sig syscall.Signal) error {
	tid := int(c.tid.Load())
	if tid == 0 {
		return nil
	}
	if err := unix.Tgkill(c.pid, tid, sig); err != nil {
		return fmt.Errorf("tgkill %d: %w", sig, err)
	}
	return nil
}

func (c *threadCoordinator) Suspend() error {
	if c.tid.Load() == 0 || !c.pending.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.send(c.sig.Suspend); err != nil {
		c.pending.Store(false)
		return err
	}
	return nil
}

func (c *threadCoordinator) ArmResumeTimer(d time.Duration) error {
	if !c.hasTmr.Load() || d <= 0 {
		return nil
	}
	c.armed.Store(true)
	if _, err := timerSet(c.timer.Load(), d); err != nil {
		c.armed.Store(false)
		return fmt.Errorf("timer_settime: %w", err)
	}
	return nil
}

// CancelTimer disarms the timer. If it had already expired, its Resume is
// on its way to the sampler and the outstanding Suspend is answered.
func (c *threadCoordinator) CancelTimer() error {
	if !c.hasTmr.Load() {
		return nil
	}
	wasArmed := c.armed.Swap(false)
	left, err := timerSet(c.timer.Load(), 0)
	if err != nil {
		return fmt.Errorf("timer_settime: %w", err)
	}
	if wasArmed && left == 0 {
		c.pending.Store(false)
	}
	return nil
}

// Resume disarms first so a timer that fires concurrently is detected and
// the sampler never receives two wake-ups for one Suspend.
func (c *threadCoordinator) Resume() error {
	if err := c.CancelTimer(); err != nil {
		return err
	}
	if !c.pending.CompareAndSwap(true, false) {
		return nil
	}
	return c.send(c.sig.Resume)
}

func (c *threadCoordinator) Unbind() error {
	err := c.Resume()
	c.tid.Store(0)
	if c.hasTmr.Swap(false) {
		if derr := timerDelete(c.timer.Load()); derr != nil && err == nil {
			err = fmt.Errorf("timer_delete: %w", derr)
		}
	}
	c.armed.Store(false)
	c.pending.Store(false)
	return err
}
