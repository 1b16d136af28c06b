// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package intercept routes the event loop's blocking I/O-multiplexing waits
// through a hook that can run code on the calling thread immediately before
// and after the kernel call.
//
// Until Install succeeds every call is a plain passthrough. Install publishes
// the allow-list with a single atomic pointer store, so a thread sees either
// the complete table or none of it.
package intercept

import (
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
)

// ErrUnsupported is returned by Install on platforms without an interception
// implementation. Callers keep working; waits are simply not hooked.
var ErrUnsupported = errors.New("syscall interception not supported on this platform")

// Hook observes allow-listed waits on the thread that makes them.
// Before and After run on the waiting thread and must not block.
type Hook interface {
	// Active is checked on every intercepted call. When false the call is
	// forwarded without Before or After.
	Active() bool
	Before(trap uintptr)
	// After runs on every exit path, including EINTR and other errors.
	After(trap uintptr, errno syscall.Errno)
}

// trampoline is immutable once published.
type trampoline struct {
	allow [8]uint64
}

func (t *trampoline) allows(trap uintptr) bool {
	if trap >= uintptr(len(t.allow)*64) {
		return false
	}
	return t.allow[trap/64]&(1<<(trap%64)) != 0
}

func newTrampoline(traps []uintptr) *trampoline {
	t := &trampoline{}
	for _, trap := range traps {
		if trap < uintptr(len(t.allow)*64) {
			t.allow[trap/64] |= 1 << (trap % 64)
		}
	}
	return t
}

// binding is what a waiting thread reads: the installed table and the
// registered hook together. It exists only while both do, so an uninstalled
// or unhooked interceptor costs one load and a nil check per call.
type binding struct {
	table *trampoline
	hook  Hook
}

// Interceptor is the process-wide hook point. Use Default.
type Interceptor struct {
	bound atomic.Pointer[binding]
	table atomic.Pointer[trampoline]

	mu   sync.Mutex // serializes writers of bound
	hook Hook

	once       sync.Once
	installErr error
}

var defaultInterceptor Interceptor

// Default returns the process-wide interceptor.
func Default() *Interceptor {
	return &defaultInterceptor
}

// Install activates interception. It runs at most once per interceptor;
// later calls return the first result.
func (i *Interceptor) Install() error {
	i.once.Do(func() {
		i.installErr = i.install()
	})
	return i.installErr
}

// Installed reports whether Install succeeded.
func (i *Interceptor) Installed() bool {
	return i.table.Load() != nil
}

// Intercepts reports whether trap is routed through the hook.
func (i *Interceptor) Intercepts(trap uintptr) bool {
	t := i.table.Load()
	return t != nil && t.allows(trap)
}

// SetHook registers h, replacing any previous hook.
func (i *Interceptor) SetHook(h Hook) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hook = h
	i.rebind()
}

// ClearHook removes the registered hook. A wait already past Before still
// receives its After.
func (i *Interceptor) ClearHook() {
	i.SetHook(nil)
}

func (i *Interceptor) publish(t *trampoline) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.table.Store(t)
	i.rebind()
}

// rebind runs with mu held.
func (i *Interceptor) rebind() {
	t := i.table.Load()
	if t == nil || i.hook == nil {
		i.bound.Store(nil)
		return
	}
	i.bound.Store(&binding{table: t, hook: i.hook})
}

// activeHook returns the hook to run for trap, or nil for a passthrough.
func (i *Interceptor) activeHook(trap uintptr) Hook {
	b := i.bound.Load()
	if b == nil {
		return nil
	}
	if !b.table.allows(trap) || !b.hook.Active() {
		return nil
	}
	return b.hook
}
