// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"sort"
	"time"

	"github.com/mbeema/loopmon/pkg/export"
)

// Event topics produced by the agent. Collector reports use their source
// name as the topic ("gc", "heap", "loop", "memory", "workpool").
const (
	TopicProfiling = "profiling"
)

// Event is one message for the monitoring pipeline.
type Event struct {
	Topic   string
	Payload string
	Time    time.Time
}

// OnEvent registers fn for every event published from now on and returns a
// function that removes it. Subscribers run on the dispatcher goroutine, one
// event at a time, in publish order.
func (a *Agent) OnEvent(fn func(Event)) func() {
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.subMu.Unlock()
	return func() {
		a.subMu.Lock()
		delete(a.subs, id)
		a.subMu.Unlock()
	}
}

// publish queues ev for delivery. Safe from any goroutine, including the
// loop thread.
func (a *Agent) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if err := a.events.Push(ev); err != nil {
		a.healthStats.EventsDropped.Add(1)
	}
}

func (a *Agent) dispatchLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.wakeCh:
			a.deliver()
		case <-a.dispatch:
			a.deliver()
			return
		}
	}
}

func (a *Agent) deliver() {
	a.events.Drain(func(ev Event) {
		for _, fn := range a.subscribers() {
			fn(ev)
		}
		a.healthStats.EventsPublished.Add(1)
		a.exporter.ExportLog(&export.LogRecord{
			Timestamp:      ev.Time,
			ObservedTime:   time.Now(),
			Body:           ev.Payload,
			Level:          "INFO",
			SeverityNumber: 9,
			ServiceName:    a.cfg.Load().ServiceName,
			Source:         ev.Topic,
		})
	})
}

// subscribers returns the current subscribers in registration order.
func (a *Agent) subscribers() []func(Event) {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	ids := make([]int, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = a.subs[id]
	}
	return fns
}
