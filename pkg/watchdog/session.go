// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watchdog

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Mode selects when the sampler is held back.
type Mode string

const (
	// ModeIdle suspends the sampler while the event thread waits for I/O,
	// for at most the timeout per wait.
	ModeIdle Mode = "idle"
	// ModeStall keeps the sampler parked and lets it run only once a
	// single loop iteration outlasts the timeout.
	ModeStall Mode = "stall"
)

// ParseMode accepts "idle", "stall" or "" (idle).
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeIdle:
		return ModeIdle, nil
	case ModeStall:
		return ModeStall, nil
	}
	return "", fmt.Errorf("unknown watchdog mode %q", s)
}

// session is one armed Start/Stop lifetime. It is the interceptor hook;
// Before and After run on the event thread.
type session struct {
	tid     int
	timeout time.Duration
	mode    Mode
	coord   Coordinator
	logger  *zap.Logger

	active   atomic.Bool
	failures atomic.Uint64
	logged   atomic.Bool
}

func newSession(tid int, timeout time.Duration, mode Mode, coord Coordinator, logger *zap.Logger) *session {
	s := &session{
		tid:     tid,
		timeout: timeout,
		mode:    mode,
		coord:   coord,
		logger:  logger,
	}
	s.active.Store(true)
	return s
}

// park holds the sampler from the start of a stall-mode session.
func (s *session) park() error {
	if s.mode != ModeStall {
		return nil
	}
	if err := s.coord.Suspend(); err != nil {
		return err
	}
	return s.coord.ArmResumeTimer(s.timeout)
}

func (s *session) Active() bool {
	return s.active.Load()
}

func (s *session) Before(trap uintptr) {
	if s.mode == ModeStall {
		// Cancel first: an expired timer answers the outstanding Suspend,
		// so the Suspend below actually parks the sampler again.
		s.check(s.coord.CancelTimer())
		s.check(s.coord.Suspend())
		return
	}
	s.check(s.coord.Suspend())
	s.check(s.coord.ArmResumeTimer(s.timeout))
}

func (s *session) After(trap uintptr, errno syscall.Errno) {
	if s.mode == ModeStall {
		s.check(s.coord.ArmResumeTimer(s.timeout))
		return
	}
	s.check(s.coord.CancelTimer())
	s.check(s.coord.Resume())
}

func (s *session) check(err error) {
	if err == nil {
		return
	}
	s.failures.Add(1)
	if s.logged.CompareAndSwap(false, true) {
		s.logger.Warn("watchdog suspend path failed", zap.Int("tid", s.tid), zap.Error(err))
	}
}

// close stops the hook from acting, answers any outstanding Suspend and
// releases the timer.
func (s *session) close() error {
	s.active.Store(false)
	err := s.coord.Resume()
	if uerr := s.coord.Unbind(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
