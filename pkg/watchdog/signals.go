// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watchdog

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
)

// ErrSignalsUnavailable is returned when the suspend/resume pair cannot be
// reserved.
var ErrSignalsUnavailable = errors.New("suspend/resume signals unavailable")

const (
	sigRTMin = 34 // first real-time signal the C library leaves free
	sigRTMax = 64
)

// Signals is the reserved real-time signal pair.
type Signals struct {
	Suspend syscall.Signal
	Resume  syscall.Signal
}

// DefaultSignals takes the pair from the top of the real-time range, clear
// of the C library's internal cancellation signals.
var DefaultSignals = Signals{
	Suspend: sigRTMax - 2,
	Resume:  sigRTMax - 1,
}

// ReserveSignals validates the pair. Both must be distinct real-time
// signals not currently ignored by the process.
func ReserveSignals(s Signals) error {
	if s.Suspend == s.Resume {
		return fmt.Errorf("%w: suspend and resume are both %d", ErrSignalsUnavailable, s.Suspend)
	}
	for _, sig := range []syscall.Signal{s.Suspend, s.Resume} {
		if sig < sigRTMin || sig > sigRTMax {
			return fmt.Errorf("%w: %d is outside the real-time range %d-%d",
				ErrSignalsUnavailable, sig, sigRTMin, sigRTMax)
		}
		if signal.Ignored(sig) {
			return fmt.Errorf("%w: %d is ignored by this process", ErrSignalsUnavailable, sig)
		}
	}
	return nil
}
