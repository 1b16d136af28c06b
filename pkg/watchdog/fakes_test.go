// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watchdog

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/loopmon/pkg/calltree"
	"github.com/mbeema/loopmon/pkg/intercept"
)

type fakeProfiler struct {
	mu      sync.Mutex
	running bool
	starts  int
	pacer   Pacer
	err     error
}

func (p *fakeProfiler) SetPacer(pc Pacer) { p.pacer = pc }

func (p *fakeProfiler) StartProfiling() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.running = true
	p.starts++
	return nil
}

func (p *fakeProfiler) StopProfiling() (*calltree.Tree, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, errors.New("not running")
	}
	p.running = false
	t := calltree.New(time.Now())
	t.Add([]calltree.Frame{{Function: "work"}})
	t.Finish(time.Now())
	return t, nil
}

func (p *fakeProfiler) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// unpacedProfiler has no SetPacer method.
type unpacedProfiler struct {
	inner *fakeProfiler
}

func (p unpacedProfiler) StartProfiling() error                  { return p.inner.StartProfiling() }
func (p unpacedProfiler) StopProfiling() (*calltree.Tree, error) { return p.inner.StopProfiling() }

type fakePacer struct {
	released bool
}

func (p *fakePacer) Attach() error        { return nil }
func (p *fakePacer) Pace(d time.Duration) { time.Sleep(d) }
func (p *fakePacer) State() PacerState    { return Running }
func (p *fakePacer) Spurious() uint64     { return 0 }
func (p *fakePacer) setReleased(v bool)   { p.released = v }

type fakeCoordinator struct {
	mu    sync.Mutex
	calls []string
	tid   int
}

func (c *fakeCoordinator) record(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
	return nil
}

func (c *fakeCoordinator) Bind(tid int) error {
	c.tid = tid
	return c.record("bind")
}
func (c *fakeCoordinator) Suspend() error                     { return c.record("suspend") }
func (c *fakeCoordinator) Resume() error                      { return c.record("resume") }
func (c *fakeCoordinator) ArmResumeTimer(time.Duration) error { return c.record("arm") }
func (c *fakeCoordinator) CancelTimer() error                 { return c.record("cancel") }
func (c *fakeCoordinator) Unbind() error                      { return c.record("unbind") }

func (c *fakeCoordinator) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.calls
	c.calls = nil
	return out
}

type fakeHooks struct {
	mu         sync.Mutex
	hook       intercept.Hook
	installErr error
}

func (h *fakeHooks) Install() error { return h.installErr }

func (h *fakeHooks) SetHook(hk intercept.Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = hk
}

func (h *fakeHooks) ClearHook() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = nil
}

func (h *fakeHooks) current() intercept.Hook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hook
}

const fakePID = 4242

// useTasks points l at a procfs lookalike holding one process whose
// threads are names, keyed by tid.
func useTasks(t *testing.T, l *Locator, names map[int]string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(fakePID), "task")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for tid, name := range names {
		td := filepath.Join(dir, strconv.Itoa(tid))
		if err := os.MkdirAll(td, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(td, "comm"), []byte(name+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	l.root, l.pid = root, fakePID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
