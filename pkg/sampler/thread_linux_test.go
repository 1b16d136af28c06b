// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sampler

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSamplingThreadIsNamed(t *testing.T) {
	e := NewEngine(&switchSource{}, time.Millisecond, zap.NewNop())
	if err := e.StartProfiling(); err != nil {
		t.Fatal(err)
	}
	defer e.StopProfiling()

	tid := e.ThreadID()
	if tid == 0 {
		t.Fatal("ThreadID = 0 while running")
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/self/task/%d/comm", tid))
	if err != nil {
		t.Fatalf("read comm: %v", err)
	}
	if got := strings.TrimSpace(string(comm)); got != ThreadName {
		t.Errorf("thread name = %q, want %q", got, ThreadName)
	}
}

func TestStopWaitsForThreadExit(t *testing.T) {
	e := NewEngine(&switchSource{}, time.Millisecond, zap.NewNop())
	for i := 0; i < 20; i++ {
		if err := e.StartProfiling(); err != nil {
			t.Fatal(err)
		}
		tid := e.ThreadID()
		if _, err := e.StopProfiling(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(fmt.Sprintf("/proc/self/task/%d", tid)); !os.IsNotExist(err) {
			t.Fatalf("cycle %d: sampling thread %d still listed after stop (%v)", i, tid, err)
		}
	}
}
