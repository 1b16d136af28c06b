// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import (
	"sync"
	"syscall"
)

type recordingHook struct {
	mu     sync.Mutex
	active bool
	events []string
	errnos []syscall.Errno
}

func (h *recordingHook) Active() bool { return h.active }

func (h *recordingHook) Before(trap uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "before")
}

func (h *recordingHook) After(trap uintptr, errno syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "after")
	h.errnos = append(h.errnos, errno)
}

func (h *recordingHook) snapshot() ([]string, []syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...), append([]syscall.Errno(nil), h.errnos...)
}
