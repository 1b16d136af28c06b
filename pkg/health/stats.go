// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "loopmon"

// Stats tracks self-monitoring counters for the agent. Counters owned by
// the agent are plain atomics; values owned by other components are read
// through probes at scrape time.
type Stats struct {
	startTime time.Time

	EventsPublished  atomic.Int64
	EventsDropped    atomic.Int64
	ReportsCollected atomic.Int64
	ProfilesCaptured atomic.Int64
	ProfileErrors    atomic.Int64
	ConfigReloads    atomic.Int64

	mu     sync.Mutex
	probes []probe
}

type probe struct {
	name, help string
	kind       prometheus.ValueType
	fn         func() float64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// AddCounter exposes a monotonically increasing value read from fn.
func (s *Stats) AddCounter(name, help string, fn func() float64) {
	s.addProbe(name, help, prometheus.CounterValue, fn)
}

// AddGauge exposes a point-in-time value read from fn.
func (s *Stats) AddGauge(name, help string, fn func() float64) {
	s.addProbe(name, help, prometheus.GaugeValue, fn)
}

func (s *Stats) addProbe(name, help string, kind prometheus.ValueType, fn func() float64) {
	s.mu.Lock()
	s.probes = append(s.probes, probe{name: name, help: help, kind: kind, fn: fn})
	s.mu.Unlock()
}

// Registry builds a registry holding the agent counters, every probe
// added so far, and the Go runtime and process collectors.
func (s *Stats) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds", Help: "Agent uptime in seconds",
		}, func() float64 { return s.Uptime().Seconds() }),
	)

	counters := []struct {
		name, help string
		v          *atomic.Int64
	}{
		{"events_published_total", "Events delivered to subscribers", &s.EventsPublished},
		{"events_dropped_total", "Events dropped after the agent stopped", &s.EventsDropped},
		{"reports_total", "Collector reports produced", &s.ReportsCollected},
		{"profiles_total", "Profiling cycles completed", &s.ProfilesCaptured},
		{"profile_errors_total", "Profiling cycles that failed", &s.ProfileErrors},
		{"config_reloads_total", "Configuration reloads applied", &s.ConfigReloads},
	}
	for _, c := range counters {
		v := c.v
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: c.name, Help: c.help,
		}, func() float64 { return float64(v.Load()) }))
	}

	s.mu.Lock()
	probes := append([]probe(nil), s.probes...)
	s.mu.Unlock()
	for _, p := range probes {
		if p.kind == prometheus.CounterValue {
			reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Name: p.name, Help: p.help,
			}, p.fn))
		} else {
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: p.name, Help: p.help,
			}, p.fn))
		}
	}
	return reg
}
