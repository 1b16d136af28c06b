// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sampler

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func nameThread(name string) error {
	b, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0)
}

func threadID() int {
	return unix.Gettid()
}

// threadExited reports whether tid no longer belongs to this process.
func threadExited(tid int) bool {
	return unix.Tgkill(unix.Getpid(), tid, 0) == unix.ESRCH
}
