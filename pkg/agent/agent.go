// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/config"
	"github.com/mbeema/loopmon/pkg/eventloop"
	"github.com/mbeema/loopmon/pkg/export"
	"github.com/mbeema/loopmon/pkg/health"
	"github.com/mbeema/loopmon/pkg/metrics"
	"github.com/mbeema/loopmon/pkg/queue"
	"github.com/mbeema/loopmon/pkg/sampler"
	"github.com/mbeema/loopmon/pkg/watchdog"
	"github.com/mbeema/loopmon/pkg/workpool"
)

// Version is the agent version reported by the health endpoint.
var Version = "0.1.0"

const stopTimeout = 5 * time.Second

// Agent wires the event loop, the sampler and its watchdog, the periodic
// collectors, the worker pool, exporters and the health server together.
// Inter-component traffic goes through the event queue and the loop's post
// queue; no lock is held across a subsystem boundary.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger
	props  *config.Properties

	loop     *eventloop.Loop
	engine   *sampler.Engine
	wd       *watchdog.Watchdog
	pool     *workpool.Pool
	exporter *export.Manager

	healthServer *health.Server
	healthStats  *health.Stats

	events   *queue.Queue[Event]
	wakeCh   chan struct{}
	subMu    sync.RWMutex
	subs     map[int]func(Event)
	nextSub  int
	dispatch chan struct{} // closed to drain and stop the dispatcher

	// Loop-thread state of the profiling plugin.
	profActive bool
	profTimer  *eventloop.Timer

	profEnabled atomic.Bool
	activations atomic.Uint64

	mu          sync.Mutex
	metricsColl *metrics.Collector
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	release     func()
	unwatch     func()
	loopDone    chan struct{}
	wg          sync.WaitGroup
}

// New builds an agent from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	mode, err := watchdog.ParseMode(cfg.Profiling.Watchdog.Mode)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		logger:      logger,
		props:       config.NewProperties(),
		healthStats: health.NewStats(),
		wakeCh:      make(chan struct{}, 1),
		subs:        make(map[int]func(Event)),
		dispatch:    make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	a.cfg.Store(cfg)

	a.loop, err = eventloop.New(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}
	a.engine = sampler.NewEngine(a.loop, cfg.Profiling.SampleInterval, logger)
	a.wd = watchdog.New(a.engine, watchdog.Config{
		Signals: watchdog.Signals{
			Suspend: syscall.Signal(cfg.Profiling.Watchdog.SuspendSignal),
			Resume:  syscall.Signal(cfg.Profiling.Watchdog.ResumeSignal),
		},
		Mode:        mode,
		ThreadNames: cfg.Profiling.Watchdog.SamplerThreadNames,
		LocateGrace: cfg.Profiling.Watchdog.LocateGrace,
	}, logger)
	a.pool = workpool.New(cfg.WorkPool.Size, cfg.WorkPool.Capacity, a.loop, logger)

	a.exporter, err = export.NewManager(&export.ManagerConfig{
		Exporters:      &cfg.Exporters,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		DeploymentEnv:  cfg.DeploymentEnv,
		PyroscopeCfg:   &cfg.Profiling.Pyroscope,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create export manager: %w", err)
	}

	a.events = queue.New[Event](func() {
		select {
		case a.wakeCh <- struct{}{}:
		default:
		}
	})

	a.registerProbes()
	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, Version, a.healthStats, logger)
	}
	return a, nil
}

func (a *Agent) registerProbes() {
	s := a.healthStats
	wd := func(f func(watchdog.Stats) uint64) func() float64 {
		return func() float64 { return float64(f(a.wd.Stats())) }
	}
	s.AddCounter("watchdog_activations_total", "Forced sampler resumes",
		func() float64 { return float64(a.activations.Load()) })
	s.AddCounter("watchdog_sessions_total", "Profiling sessions with suspension armed",
		wd(func(st watchdog.Stats) uint64 { return st.Sessions }))
	s.AddCounter("watchdog_degraded_total", "Profiling starts without suspension",
		wd(func(st watchdog.Stats) uint64 { return st.Degraded }))
	s.AddCounter("watchdog_locator_misses_total", "Sampler thread lookups that failed",
		wd(func(st watchdog.Stats) uint64 { return st.LocatorMisses }))
	s.AddCounter("watchdog_hook_failures_total", "Suspend or resume deliveries that failed",
		wd(func(st watchdog.Stats) uint64 { return st.HookFailures }))
	s.AddCounter("watchdog_spurious_resumes_total", "Resumes that found the sampler running",
		wd(func(st watchdog.Stats) uint64 { return st.Spurious }))

	ex := func(f func(export.Stats) int64) func() float64 {
		return func() float64 { return float64(f(a.exporter.Stats())) }
	}
	s.AddCounter("export_logs_total", "Log records exported",
		ex(func(st export.Stats) int64 { return st.Logs }))
	s.AddCounter("export_metrics_total", "Metric points exported",
		ex(func(st export.Stats) int64 { return st.Metrics }))
	s.AddCounter("export_profiles_total", "Profiles exported",
		ex(func(st export.Stats) int64 { return st.Profiles }))
	s.AddCounter("export_dropped_total", "Telemetry items dropped by the exporter",
		ex(func(st export.Stats) int64 { return st.Dropped }))
	s.AddGauge("event_queue_depth", "Events waiting for delivery",
		func() float64 { return float64(a.events.Len()) })
}

// Properties returns the host property store. Changing the profiling keys
// controls the profiling plugin at runtime.
func (a *Agent) Properties() *config.Properties { return a.props }

// Loop returns the event loop the agent monitors. Host work scheduled on it
// is what the sampler profiles.
func (a *Agent) Loop() *eventloop.Loop { return a.loop }

// Pool returns the worker pool whose queue depth is reported.
func (a *Agent) Pool() *workpool.Pool { return a.pool }

// Watchdog returns the profiling watchdog.
func (a *Agent) Watchdog() *watchdog.Watchdog { return a.wd }

// Activations returns the forced sampler resumes counted across all
// profiling reports so far.
func (a *Agent) Activations() uint64 { return a.activations.Load() }

// HealthStats returns the self-monitoring counters.
func (a *Agent) HealthStats() *health.Stats { return a.healthStats }

// Start launches every subsystem and applies the configured properties.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}
	a.started = true
	cfg := a.cfg.Load()
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.exporter.Start(a.ctx); err != nil {
		a.started = false
		a.cancel()
		return fmt.Errorf("start exporter: %w", err)
	}
	a.pool.Start(a.ctx)

	a.release = a.loop.Ref()
	go func() {
		defer close(a.loopDone)
		if err := a.loop.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("event loop exited", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go a.dispatchLoop()

	if cfg.Metrics.Enabled {
		a.startMetrics()
	}

	a.unwatch = a.props.OnChange(a.onProperty)
	a.props.Seed(cfg)

	if a.healthServer != nil {
		if err := a.healthServer.Start(a.ctx); err != nil {
			a.logger.Warn("health server start failed", zap.Error(err))
		} else {
			a.healthServer.SetReady(true)
		}
	}

	a.logger.Info("agent started",
		zap.String("service", cfg.ServiceName),
		zap.Bool("profiling", a.props.Bool(config.KeyProfiling, false)),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

// Stop shuts every subsystem down and flushes the exporters. Safe to call
// more than once.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		return nil
	}
	a.stopped = true

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}
	if a.unwatch != nil {
		a.unwatch()
	}

	done := make(chan struct{})
	if err := a.loop.Post(func() {
		a.stopProfiling()
		close(done)
	}); err == nil {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			a.logger.Warn("profiling did not stop in time")
		}
	}

	a.stopMetrics()
	if err := a.pool.Stop(); err != nil {
		a.logger.Debug("work pool stop", zap.Error(err))
	}

	a.release()
	a.loop.Stop()
	select {
	case <-a.loopDone:
	case <-time.After(stopTimeout):
		a.logger.Warn("event loop did not exit in time")
	}

	a.events.Close()
	close(a.dispatch)
	a.wg.Wait()

	a.exporter.Stop()
	a.cancel()

	st := a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Int64("total_logs", st.Logs),
		zap.Int64("total_metrics", st.Metrics),
		zap.Int64("total_profiles", st.Profiles),
		zap.Int64("events", a.healthStats.EventsPublished.Load()),
		zap.Uint64("watchdog_activations", a.activations.Load()),
	)
	return nil
}

// Reload applies a new configuration. Property-backed settings change in
// place; the collectors restart when their settings changed. Worker pool,
// watchdog, exporter and health settings take effect on the next start.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Load()
	a.cfg.Store(cfg)
	if !a.started || a.stopped {
		return nil
	}

	a.props.Seed(cfg)
	if !reflect.DeepEqual(old.Metrics, cfg.Metrics) {
		a.stopMetrics()
		if cfg.Metrics.Enabled {
			a.startMetrics()
		}
	}
	a.healthStats.ConfigReloads.Add(1)

	a.logger.Info("configuration reloaded",
		zap.Bool("profiling", a.props.Bool(config.KeyProfiling, false)),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

// startMetrics builds a collector for the enabled sources. Caller holds mu.
func (a *Agent) startMetrics() {
	if a.metricsColl != nil {
		return
	}
	mc := a.cfg.Load().Metrics
	coll := metrics.NewCollector(mc.Interval, a.logger)
	if mc.GC.Enabled {
		coll.AddSource(metrics.NewGCSource(), 0)
	}
	if mc.Heap.Enabled {
		coll.AddSource(metrics.NewHeapSource(), 0)
	}
	if mc.Loop.Enabled {
		coll.AddSource(metrics.NewLoopSource(a.loop), 0)
	}
	if mc.WorkPool.Enabled {
		coll.AddSource(metrics.NewWorkPoolSource(a.pool), 0)
	}
	if mc.Memory.Enabled {
		src, err := metrics.NewMemorySource()
		if err != nil {
			a.logger.Warn("memory source unavailable", zap.Error(err))
		} else {
			coll.AddSource(src, mc.MemoryInterval)
		}
	}
	if mc.Environment.Enabled {
		coll.AddOnce(metrics.NewEnvSource(Version))
	}
	coll.OnReport(a.handleReport)
	if err := coll.Start(a.ctx); err != nil {
		a.logger.Warn("metrics collector start failed", zap.Error(err))
		return
	}
	a.metricsColl = coll
}

// stopMetrics halts the collector. Caller holds mu.
func (a *Agent) stopMetrics() {
	if a.metricsColl == nil {
		return
	}
	a.metricsColl.Stop()
	a.metricsColl = nil
}

// handleReport publishes the report's data line and exports its metrics.
func (a *Agent) handleReport(r *metrics.Report) {
	a.healthStats.ReportsCollected.Add(1)
	a.publish(Event{Topic: r.Source, Payload: r.Line, Time: r.Timestamp})

	svc := a.cfg.Load().ServiceName
	for _, m := range r.Metrics {
		a.exporter.ExportMetric(&export.Metric{
			Name:        m.Name,
			Description: m.Description,
			Unit:        m.Unit,
			Type:        export.MetricType(m.Type),
			Value:       m.Value,
			Timestamp:   m.Timestamp,
			StartTime:   m.StartTime,
			Labels:      m.Labels,
			ServiceName: svc,
		})
	}
}
