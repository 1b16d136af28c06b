// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/procfs"
)

// ErrThreadNotFound is returned when no thread of this process carries one
// of the configured sampler names.
var ErrThreadNotFound = errors.New("sampler thread not found")

const (
	defaultLocateGrace = 500 * time.Millisecond
	defaultLocatePoll  = 10 * time.Millisecond
)

// Locator finds the sampler thread by name. Names is an ordered allow-list;
// earlier names win when several threads match.
type Locator struct {
	Names []string
	Grace time.Duration // how long to wait for a freshly started thread
	Poll  time.Duration

	root string // procfs mount point
	pid  int
}

// NewLocator returns a locator for names with default timing.
func NewLocator(names []string) *Locator {
	return &Locator{
		Names: append([]string(nil), names...),
		Grace: defaultLocateGrace,
		Poll:  defaultLocatePoll,
		root:  procfs.DefaultMountPoint,
		pid:   os.Getpid(),
	}
}

// Locate returns the OS thread id of the sampler thread, polling until the
// grace period elapses or ctx is done. Threads listed in skip are ignored,
// so a sampler thread that is still exiting is never returned for its
// successor.
func (l *Locator) Locate(ctx context.Context, skip ...int) (int, error) {
	if len(l.Names) == 0 {
		return 0, ErrThreadNotFound
	}
	poll := l.Poll
	if poll <= 0 {
		poll = defaultLocatePoll
	}
	deadline := time.Now().Add(l.Grace)
	for {
		tid, err := l.scan(skip)
		if err == nil {
			return tid, nil
		}
		if !time.Now().Before(deadline) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (l *Locator) scan(skip []int) (int, error) {
	fs, err := procfs.NewFS(l.root)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrThreadNotFound, err)
	}
	threads, err := fs.AllThreads(l.pid)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrThreadNotFound, err)
	}

	byName := make(map[string]int, len(threads))
	for _, th := range threads {
		if skipped(skip, th.PID) {
			continue
		}
		// Threads exit between listing and reading comm; skip them.
		comm, err := th.Comm()
		if err != nil {
			continue
		}
		if _, seen := byName[comm]; !seen {
			byName[comm] = th.PID
		}
	}
	for _, name := range l.Names {
		if tid, ok := byName[name]; ok {
			return tid, nil
		}
	}
	return 0, ErrThreadNotFound
}

func skipped(skip []int, tid int) bool {
	for _, s := range skip {
		if s == tid {
			return true
		}
	}
	return false
}
