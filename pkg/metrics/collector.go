// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Metric represents a single metric data point.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time // Start time for cumulative counters (OTLP StartTimeUnixNano)
	Labels      map[string]string
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	Gauge MetricType = iota
	Counter
)

// Report is one reading from a source: the agent's comma-separated data
// line plus the same values as typed metrics.
type Report struct {
	Source    string
	Line      string
	Metrics   []*Metric
	Timestamp time.Time
}

// Source produces reports when polled. Sources are polled from a single
// goroutine and need not be safe for concurrent use.
type Source interface {
	Name() string
	Collect(now time.Time) ([]*Report, error)
}

type scheduled struct {
	src      Source
	interval time.Duration
	once     bool
}

// Collector polls sources on their own intervals and fans reports out to
// callbacks.
type Collector struct {
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	callbacks []func(*Report)
	sources   []scheduled

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector whose sources default to interval.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		interval: interval,
		logger:   logger.Named("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// AddSource registers src. A zero interval uses the collector's default.
// Sources must be added before Start.
func (c *Collector) AddSource(src Source, interval time.Duration) {
	if interval <= 0 {
		interval = c.interval
	}
	c.mu.Lock()
	c.sources = append(c.sources, scheduled{src: src, interval: interval})
	c.mu.Unlock()
}

// AddOnce registers a source polled once when the collector starts and on
// every CollectNow, never on a ticker.
func (c *Collector) AddOnce(src Source) {
	c.mu.Lock()
	c.sources = append(c.sources, scheduled{src: src, once: true})
	c.mu.Unlock()
}

// OnReport registers a callback for emitted reports.
func (c *Collector) OnReport(fn func(*Report)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *Collector) emit(r *Report) {
	c.mu.RLock()
	cbs := c.callbacks
	c.mu.RUnlock()

	for _, cb := range cbs {
		cb(r)
	}
}

// Start begins periodic collection, one goroutine per source.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.RLock()
	sources := append([]scheduled(nil), c.sources...)
	c.mu.RUnlock()

	for _, s := range sources {
		c.wg.Add(1)
		go func(s scheduled) {
			defer c.wg.Done()
			if s.once {
				c.poll(s.src)
				return
			}

			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					c.poll(s.src)
				case <-c.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}(s)
	}

	c.logger.Info("metrics collector started",
		zap.Int("sources", len(sources)),
		zap.Duration("interval", c.interval),
	)
	return nil
}

// Stop halts metric collection.
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

// CollectNow polls every source once on the calling goroutine. It must not
// run concurrently with Start's goroutines.
func (c *Collector) CollectNow() {
	c.mu.RLock()
	sources := append([]scheduled(nil), c.sources...)
	c.mu.RUnlock()
	for _, s := range sources {
		c.poll(s.src)
	}
}

func (c *Collector) poll(src Source) {
	reports, err := src.Collect(time.Now())
	if err != nil {
		c.logger.Debug("source collect error", zap.String("source", src.Name()), zap.Error(err))
	}
	for _, r := range reports {
		c.emit(r)
	}
}

func gauge(name, unit string, v float64, now time.Time) *Metric {
	return &Metric{Name: name, Unit: unit, Type: Gauge, Value: v, Timestamp: now}
}
