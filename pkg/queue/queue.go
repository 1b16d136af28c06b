// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package queue hands values from arbitrary goroutines to a single consumer
// that drains them in batches, typically on the event-loop thread.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("queue closed")

type item[T any] struct {
	value T
	next  *item[T]
}

// Queue is an unbounded FIFO. Producers push from any goroutine; the
// consumer drains everything pending in one call. The wake callback fires
// once per empty-to-non-empty transition so the consumer can coalesce
// notifications.
type Queue[T any] struct {
	mu     sync.Mutex
	head   *item[T]
	tail   *item[T]
	length int
	closed bool
	wake   func()
}

// New creates a queue. wake may be nil.
func New[T any](wake func()) *Queue[T] {
	return &Queue[T]{wake: wake}
}

// Push appends v. Safe for concurrent use.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	it := &item[T]{value: v}
	if q.tail == nil {
		q.head = it
	} else {
		q.tail.next = it
	}
	q.tail = it
	q.length++
	notify := q.length == 1
	q.mu.Unlock()

	// Called outside the lock; wake may re-enter Drain.
	if notify && q.wake != nil {
		q.wake()
	}
	return nil
}

// Drain detaches every pending value and calls fn on each in FIFO order.
// Returns the number of values delivered.
func (q *Queue[T]) Drain(fn func(T)) int {
	q.mu.Lock()
	head := q.head
	q.head, q.tail = nil, nil
	q.length = 0
	q.mu.Unlock()

	n := 0
	for it := head; it != nil; it = it.next {
		fn(it.value)
		n++
	}
	return n
}

// Len returns the number of pending values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Close rejects further pushes. Pending values remain drainable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
