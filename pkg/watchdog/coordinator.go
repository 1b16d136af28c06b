// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watchdog

import (
	"errors"
	"time"
)

// ErrUnsupported is returned on platforms without thread-directed signals
// and timers.
var ErrUnsupported = errors.New("watchdog profiling not supported on this platform")

// Coordinator is the event-thread half of the suspension protocol. It
// signals one sampler thread and owns the one-shot timer aimed at it.
//
// At most one Suspend is outstanding at a time: a second Suspend before the
// matching Resume is a no-op, and Resume without an outstanding Suspend is
// a no-op. If the timer already resumed the sampler, CancelTimer clears
// the outstanding Suspend and a following Resume sends nothing.
type Coordinator interface {
	Bind(tid int) error
	Suspend() error
	Resume() error
	ArmResumeTimer(d time.Duration) error
	CancelTimer() error
	Unbind() error
}

// Pacer is the sampler-thread half. A sampling engine calls Attach once on
// its OS-locked thread and then Pace between samples instead of sleeping.
type Pacer = interface {
	Attach() error
	Pace(d time.Duration)
}

// PacerState is the sampler thread's position in the protocol.
type PacerState int32

const (
	Running PacerState = iota
	Suspended
)

func (s PacerState) String() string {
	if s == Suspended {
		return "suspended"
	}
	return "running"
}
