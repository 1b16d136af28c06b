// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package eventloop

import (
	"container/heap"
	"time"
)

// Timer is a one-shot or repeating callback scheduled on a loop. Its
// methods must be called on the loop thread.
type Timer struct {
	loop   *Loop
	when   time.Time
	period time.Duration
	fn     func()
	seq    uint64
	index  int // position in the heap, -1 when not scheduled
	unref  bool
}

// Stop cancels the timer. Stopping a stopped timer does nothing.
func (t *Timer) Stop() {
	if t.index < 0 {
		return
	}
	heap.Remove(&t.loop.timers, t.index)
	if !t.unref {
		t.loop.active--
	}
}

// Unref stops the timer from keeping the loop alive.
func (t *Timer) Unref() {
	if t.unref {
		return
	}
	t.unref = true
	if t.index >= 0 {
		t.loop.active--
	}
}

// Ref undoes Unref.
func (t *Timer) Ref() {
	if !t.unref {
		return
	}
	t.unref = false
	if t.index >= 0 {
		t.loop.active++
	}
}

// Active reports whether the timer is scheduled.
func (t *Timer) Active() bool {
	return t.index >= 0
}

// timerHeap orders by deadline, then by creation.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
