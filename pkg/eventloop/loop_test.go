// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package eventloop

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/calltree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestTimersFireInOrder(t *testing.T) {
	l := newLoop(t)
	var order []int
	l.SetTimeout(20*time.Millisecond, func() { order = append(order, 2) })
	l.SetTimeout(5*time.Millisecond, func() { order = append(order, 1) })
	l.SetTimeout(20*time.Millisecond, func() { order = append(order, 3) })

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestIntervalAndStop(t *testing.T) {
	l := newLoop(t)
	n := 0
	var iv *Timer
	iv = l.SetInterval(2*time.Millisecond, func() {
		n++
		if n == 5 {
			iv.Stop()
		}
	})

	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("interval fired %d times, want 5", n)
	}
	if iv.Active() {
		t.Error("stopped interval still active")
	}
}

func TestUnrefTimerDoesNotKeepAlive(t *testing.T) {
	l := newLoop(t)
	fired := false
	tm := l.SetTimeout(time.Hour, func() { fired = true })
	tm.Unref()

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		l.Stop()
		<-done
		t.Fatal("unref'd timer kept the loop alive")
	}
	if fired {
		t.Error("timer fired")
	}
}

func TestPostAndRefFromOtherGoroutines(t *testing.T) {
	l := newLoop(t)
	release := l.Ref()

	var got atomic.Int32
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	for i := 0; i < 10; i++ {
		if err := l.Post(func() { got.Add(1) }); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for got.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got.Load() != 10 {
		t.Fatalf("ran %d posted callbacks, want 10", got.Load())
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after release")
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Post after exit = %v, want ErrClosed", err)
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	l := newLoop(t)
	release := l.Ref()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop ignored cancellation")
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run = %v, want ErrRunning", err)
	}
}

func TestShadowStack(t *testing.T) {
	l := newLoop(t)
	var inside, nested []calltree.Frame
	l.SetTimeout(0, func() {
		inside = l.Stack()
		l.Call("parse", func() {
			nested = l.Stack()
		})
	})
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(inside) != 1 || !strings.Contains(inside[0].Function, "TestShadowStack") {
		t.Errorf("stack in timer = %+v", inside)
	}
	if inside[0].File == "" || inside[0].Line == 0 {
		t.Errorf("frame lacks location: %+v", inside[0])
	}
	if len(nested) != 2 || nested[1].Function != "parse" {
		t.Errorf("nested stack = %+v", nested)
	}
	if s := l.Stack(); s != nil {
		t.Errorf("stack after exit = %+v, want nil", s)
	}
}

func TestLagStats(t *testing.T) {
	l := newLoop(t)
	n := 0
	var iv *Timer
	iv = l.SetInterval(time.Millisecond, func() {
		time.Sleep(3 * time.Millisecond)
		n++
		if n == 4 {
			iv.Stop()
		}
	})
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	lag := l.ReadLag()
	if lag.Num < 3 {
		t.Fatalf("Num = %d, want at least 3", lag.Num)
	}
	if lag.Max < 3*time.Millisecond || lag.Max < lag.Min || lag.Mean() < lag.Min {
		t.Errorf("lag = %+v", lag)
	}
	if again := l.ReadLag(); again.Num != 0 {
		t.Errorf("ReadLag did not reset: %+v", again)
	}
}
