// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && (amd64 || arm64)

package intercept

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

func (i *Interceptor) install() error {
	// Publish with every signal blocked on this thread so no handler runs
	// an intercepted wait against a half-written table.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var all, old unix.Sigset_t
	for n := range all.Val {
		all.Val[n] = ^all.Val[n]
	}
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &all, &old); err != nil {
		return fmt.Errorf("block signals: %w", err)
	}
	i.publish(newTrampoline(waitTraps))
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil); err != nil {
		return fmt.Errorf("restore signal mask: %w", err)
	}
	return nil
}
