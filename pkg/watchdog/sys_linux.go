// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && (amd64 || arm64)

package watchdog

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sigevThreadID = 4 // SIGEV_THREAD_ID

	siTimer = -2 // SI_TIMER: generated by a POSIX timer expiry
	siTkill = -6 // SI_TKILL: generated by tgkill

	kernelSigsetSize = 8
)

// sigevent mirrors struct sigevent for SIGEV_THREAD_ID on 64-bit Linux.
type sigevent struct {
	value  uintptr
	signo  int32
	notify int32
	tid    int32
	_      [44]byte
}

// siginfo is the leading part of the 128-byte siginfo_t.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     [116]byte
}

func sigsetAdd(set *unix.Sigset_t, sig syscall.Signal) {
	n := uint(sig - 1)
	set.Val[n/64] |= 1 << (n % 64)
}

func signalSet(sigs ...syscall.Signal) unix.Sigset_t {
	var set unix.Sigset_t
	for _, sig := range sigs {
		sigsetAdd(&set, sig)
	}
	return set
}

// timerCreate creates a CLOCK_MONOTONIC timer that delivers sig to tid.
func timerCreate(tid int, sig syscall.Signal) (int32, error) {
	ev := sigevent{
		signo:  int32(sig),
		notify: sigevThreadID,
		tid:    int32(tid),
	}
	var id int32
	_, _, errno := unix.Syscall(unix.SYS_TIMER_CREATE,
		uintptr(unix.CLOCK_MONOTONIC),
		uintptr(unsafe.Pointer(&ev)),
		uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return 0, errno
	}
	return id, nil
}

// timerSet arms the timer once for d, or disarms it when d is zero. The
// interval is always zero. Returns the time that was left on the timer.
func timerSet(id int32, d time.Duration) (time.Duration, error) {
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	var old unix.ItimerSpec
	_, _, errno := unix.Syscall6(unix.SYS_TIMER_SETTIME,
		uintptr(id), 0,
		uintptr(unsafe.Pointer(&spec)),
		uintptr(unsafe.Pointer(&old)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return time.Duration(old.Value.Nano()), nil
}

func timerDelete(id int32) error {
	_, _, errno := unix.Syscall(unix.SYS_TIMER_DELETE, uintptr(id), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// sigtimedwait dequeues one pending signal from set. A nil timeout waits
// indefinitely. Returns EAGAIN on timeout.
func sigtimedwait(set *unix.Sigset_t, info *siginfo, timeout *unix.Timespec) (syscall.Signal, syscall.Errno) {
	r1, _, errno := unix.Syscall6(unix.SYS_RT_SIGTIMEDWAIT,
		uintptr(unsafe.Pointer(set)),
		uintptr(unsafe.Pointer(info)),
		uintptr(unsafe.Pointer(timeout)),
		kernelSigsetSize, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return syscall.Signal(r1), 0
}
