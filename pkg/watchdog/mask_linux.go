// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && (amd64 || arm64)

package watchdog

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// maskSignals locks the calling goroutine to its OS thread and adds the
// pair to the thread's signal mask. The returned func puts back the mask the
// thread had before and unlocks it.
func maskSignals(sig Signals) (func() error, error) {
	runtime.LockOSThread()

	set := signalSet(sig.Suspend, sig.Resume)
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: mask on calling thread: %v", ErrSignalsUnavailable, err)
	}
	return func() error {
		defer runtime.UnlockOSThread()
		if err := unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil); err != nil {
			return fmt.Errorf("restore signal mask: %w", err)
		}
		return nil
	}, nil
}
