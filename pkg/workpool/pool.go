// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package workpool runs blocking work off the event loop on a fixed set of
// worker goroutines and posts completions back to the loop.
package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("work queue full")
	ErrStopped   = errors.New("work pool stopped")
)

// Poster delivers a completion callback to the thread that submitted the
// work. *eventloop.Loop satisfies it.
type Poster interface {
	Post(fn func()) error
}

// Stats is one reporting interval. Submitted and Completed count since the
// previous read; Queued and Idle are current values.
type Stats struct {
	Submitted int64
	Completed int64
	Queued    int64
	Idle      int64
}

type job struct {
	work func(ctx context.Context) error
	done func(error)
}

// Pool is a fixed-size worker pool.
type Pool struct {
	size   int
	post   Poster
	logger *zap.Logger

	jobs   chan job
	g      *errgroup.Group
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	queued    atomic.Int64
	idle      atomic.Int64
}

// New creates a pool with size workers and room for capacity queued jobs.
// post may be nil, in which case done callbacks run on the worker.
func New(size, capacity int, post Poster, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{
		size:   size,
		post:   post,
		logger: logger.Named("workpool"),
		jobs:   make(chan job, capacity),
	}
}

// Start launches the workers. They exit on Stop or when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.g, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		p.idle.Add(1)
		p.g.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}
	p.logger.Debug("work pool started", zap.Int("workers", p.size))
}

func (p *Pool) worker(ctx context.Context) {
	defer p.idle.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.queued.Add(-1)
			p.idle.Add(-1)
			err := p.run(ctx, j)
			p.idle.Add(1)
			p.completed.Add(1)
			p.finish(j, err)
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("work panicked", zap.Any("panic", r))
			err = errors.New("work panicked")
		}
	}()
	return j.work(ctx)
}

func (p *Pool) finish(j job, err error) {
	if j.done == nil {
		return
	}
	if p.post != nil {
		if perr := p.post.Post(func() { j.done(err) }); perr == nil {
			return
		}
	}
	j.done(err)
}

// Submit queues work. done, if non-nil, receives work's result on the
// poster's thread.
func (p *Pool) Submit(work func(ctx context.Context) error, done func(error)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	p.queued.Add(1)
	select {
	case p.jobs <- job{work: work, done: done}:
		p.submitted.Add(1)
		return nil
	default:
		p.queued.Add(-1)
		return ErrQueueFull
	}
}

// Stop drains queued work and waits for the workers.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}
	err := p.g.Wait()
	p.cancel()
	return err
}

// ReadStats returns the interval's counters and resets them.
func (p *Pool) ReadStats() Stats {
	return Stats{
		Submitted: p.submitted.Swap(0),
		Completed: p.completed.Swap(0),
		Queued:    p.queued.Load(),
		Idle:      p.idle.Load(),
	}
}
