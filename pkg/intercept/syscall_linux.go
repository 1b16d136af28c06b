// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Syscall6 performs a blocking system call. Allow-listed traps run the
// registered hook around the kernel call; everything else is forwarded
// unchanged.
func (i *Interceptor) Syscall6(trap, a1, a2, a3, a4, a5, a6 uintptr) (r1, r2 uintptr, errno syscall.Errno) {
	h := i.activeHook(trap)
	if h == nil {
		return unix.Syscall6(trap, a1, a2, a3, a4, a5, a6)
	}
	h.Before(trap)
	defer func() { h.After(trap, errno) }()
	r1, r2, errno = unix.Syscall6(trap, a1, a2, a3, a4, a5, a6)
	return r1, r2, errno
}
