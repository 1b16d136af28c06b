// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/loopmon/pkg/config"
	"go.uber.org/zap"
)

// LogRecord is a data line or event body for export.
type LogRecord struct {
	Timestamp      time.Time
	ObservedTime   time.Time // when the agent produced the record
	Body           string
	Level          string
	SeverityNumber int32 // OTEL SeverityNumber (1-24)
	Attributes     map[string]interface{}
	ServiceName    string
	Source         string // collector source or event topic
}

// Metric represents a metric data point for export.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time
	Labels      map[string]string
	ServiceName string // Service that produced this metric
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	MetricGauge MetricType = iota
	MetricCounter
)

// Profile is one profiling interval ready for export.
type Profile struct {
	ServiceName string
	Start       time.Time
	End         time.Time
	PProfData   []byte // gzip'd pprof protobuf
	Activations uint32 // forced watchdog resumes during the interval
}

// Exporter is the interface for telemetry exporters.
type Exporter interface {
	ExportLogs(ctx context.Context, logs []*LogRecord) error
	ExportMetrics(ctx context.Context, metrics []*Metric) error
	Shutdown(ctx context.Context) error
}

// ProfileExporter ships pprof profiles.
type ProfileExporter interface {
	ExportProfile(ctx context.Context, p *Profile) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 10000
	profileBatchSize     = 16

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Stats are the manager's lifetime counters.
type Stats struct {
	Logs     int64
	Metrics  int64
	Profiles int64
	Dropped  int64
}

// sink is an exporter with its own breaker, so one dead backend does not
// starve the others.
type sink struct {
	name    string
	exp     Exporter
	breaker *CircuitBreaker
}

// Manager coordinates batching and export of all telemetry signals.
type Manager struct {
	logger *zap.Logger
	sinks  []*sink

	logCh     chan *LogRecord
	metricCh  chan *Metric
	profileCh chan *Profile

	logCount     atomic.Int64
	metricCount  atomic.Int64
	profileCount atomic.Int64
	dropCount    atomic.Int64

	batchSize     int
	flushInterval time.Duration

	profiles ProfileExporter

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ManagerConfig holds the configuration needed to create a Manager.
type ManagerConfig struct {
	Exporters      *config.ExportersConfig
	ServiceName    string
	ServiceVersion string
	DeploymentEnv  string
	PyroscopeCfg   *config.PyroscopeConfig
	FlushInterval  time.Duration // 0 uses the default
	BatchSize      int           // 0 uses the default
}

// NewManager creates a new export manager from configuration. Exporters that
// fail to initialize are logged and skipped.
func NewManager(mc *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	logger = logger.Named("export")
	m := &Manager{
		logger:        logger,
		logCh:         make(chan *LogRecord, defaultChannelSize),
		metricCh:      make(chan *Metric, defaultChannelSize),
		profileCh:     make(chan *Profile, defaultChannelSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		stopCh:        make(chan struct{}),
	}
	if mc.FlushInterval > 0 {
		m.flushInterval = mc.FlushInterval
	}
	if mc.BatchSize > 0 {
		m.batchSize = mc.BatchSize
	}

	res := Resource{
		ServiceName:    mc.ServiceName,
		ServiceVersion: mc.ServiceVersion,
		DeploymentEnv:  mc.DeploymentEnv,
	}

	if cfg := mc.Exporters; cfg != nil {
		if cfg.OTLP.Enabled {
			var exp Exporter
			var err error
			if cfg.OTLP.Protocol == "http" {
				exp, err = NewHTTPOTLPExporter(&cfg.OTLP, res, logger)
			} else {
				exp, err = NewOTLPExporter(&cfg.OTLP, res, logger)
			}
			if err != nil {
				logger.Warn("failed to create OTLP exporter", zap.Error(err))
			} else {
				m.AddExporter("otlp-"+cfg.OTLP.Protocol, exp)
			}
		}

		if cfg.Stdout.Enabled {
			m.AddExporter("stdout", NewStdoutExporter(cfg.Stdout.Format, nil))
		}
	}

	if mc.PyroscopeCfg != nil && mc.PyroscopeCfg.Enabled {
		m.SetProfileExporter(NewPyroscopeExporter(mc.PyroscopeCfg, logger))
		logger.Info("pyroscope exporter enabled", zap.String("endpoint", mc.PyroscopeCfg.Endpoint))
	}

	return m, nil
}

// AddExporter registers an exporter. Call before Start.
func (m *Manager) AddExporter(name string, exp Exporter) {
	m.sinks = append(m.sinks, &sink{
		name:    name,
		exp:     exp,
		breaker: NewCircuitBreaker(5, 30*time.Second),
	})
}

// SetProfileExporter registers the profile backend. Call before Start.
func (m *Manager) SetProfileExporter(pe ProfileExporter) {
	m.profiles = pe
}

// Start begins the batch export goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		batchLoop(ctx, m, m.logCh, m.batchSize, m.flushLogs)
	}()
	go func() {
		defer m.wg.Done()
		batchLoop(ctx, m, m.metricCh, m.batchSize, m.flushMetrics)
	}()

	if m.profiles != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			batchLoop(ctx, m, m.profileCh, profileBatchSize, m.flushProfiles)
		}()
	}

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.sinks)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
		zap.Bool("profiles", m.profiles != nil),
	)

	return nil
}

// Stop flushes remaining data and shuts down exporters.
func (m *Manager) Stop() error {
	first := false
	m.stopOnce.Do(func() {
		close(m.stopCh)
		first = true
	})
	if !first {
		return nil
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range m.sinks {
		if err := s.exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.String("exporter", s.name), zap.Error(err))
		}
	}

	if m.profiles != nil {
		if err := m.profiles.Shutdown(ctx); err != nil {
			m.logger.Error("profile exporter shutdown error", zap.Error(err))
		}
	}

	st := m.Stats()
	m.logger.Info("export manager stopped",
		zap.Int64("logs_exported", st.Logs),
		zap.Int64("metrics_exported", st.Metrics),
		zap.Int64("profiles_exported", st.Profiles),
		zap.Int64("dropped", st.Dropped),
	)

	return nil
}

// ExportLog queues a log record for export.
func (m *Manager) ExportLog(log *LogRecord) {
	select {
	case m.logCh <- log:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("log channel full, dropping log")
	}
}

// ExportMetric queues a metric for export.
func (m *Manager) ExportMetric(metric *Metric) {
	select {
	case m.metricCh <- metric:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("metric channel full, dropping metric")
	}
}

// ExportProfile queues a profile for export. Without a profile exporter it
// is a no-op.
func (m *Manager) ExportProfile(p *Profile) {
	if m.profiles == nil || len(p.PProfData) == 0 {
		return
	}
	select {
	case m.profileCh <- p:
	default:
		m.dropCount.Add(1)
		m.logger.Warn("profile channel full, dropping profile")
	}
}

// batchLoop accumulates items from ch and hands full batches, periodic
// batches and the final drain to flush.
func batchLoop[T any](ctx context.Context, m *Manager, ch <-chan T, size int, flush func(context.Context, []T)) {
	batch := make([]T, 0, size)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case v := <-ch:
				batch = append(batch, v)
			default:
				if len(batch) > 0 {
					flush(ctx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case v := <-ch:
			batch = append(batch, v)
			if len(batch) >= size {
				flush(ctx, batch)
				batch = make([]T, 0, size)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				flush(ctx, batch)
				batch = make([]T, 0, size)
			}

		case <-m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flushProfiles(ctx context.Context, profiles []*Profile) {
	for _, p := range profiles {
		if err := m.profiles.ExportProfile(ctx, p); err != nil {
			m.dropCount.Add(1)
			m.logger.Error("profile export error",
				zap.String("service", p.ServiceName),
				zap.Error(err),
			)
			continue
		}
		m.profileCount.Add(1)
	}
}

func (m *Manager) flushLogs(ctx context.Context, logs []*LogRecord) {
	for _, s := range m.sinks {
		exp := s.exp
		m.retryExport(ctx, s, "logs", func(expCtx context.Context) error {
			return exp.ExportLogs(expCtx, logs)
		})
	}
	m.logCount.Add(int64(len(logs)))
}

func (m *Manager) flushMetrics(ctx context.Context, metrics []*Metric) {
	for _, s := range m.sinks {
		exp := s.exp
		m.retryExport(ctx, s, "metrics", func(expCtx context.Context) error {
			return exp.ExportMetrics(expCtx, metrics)
		})
	}
	m.metricCount.Add(int64(len(metrics)))
}

// retryExport attempts an export with exponential backoff and the sink's
// circuit breaker.
func (m *Manager) retryExport(ctx context.Context, s *sink, signal string, exportFn func(context.Context) error) {
	if !s.breaker.Allow() {
		m.dropCount.Add(1)
		m.logger.Debug("circuit breaker open, dropping export",
			zap.String("exporter", s.name),
			zap.String("signal", signal),
		)
		return
	}

	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			s.breaker.RecordSuccess()
			return
		}

		s.breaker.RecordFailure()

		if attempt == maxRetries || !s.breaker.Allow() {
			m.logger.Error("export failed",
				zap.String("exporter", s.name),
				zap.String("signal", signal),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.dropCount.Add(1)
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.String("exporter", s.name),
			zap.String("signal", signal),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		// Exponential backoff with cap
		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

// Stats returns current export statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Logs:     m.logCount.Load(),
		Metrics:  m.metricCount.Load(),
		Profiles: m.profileCount.Load(),
		Dropped:  m.dropCount.Load(),
	}
}

// ChannelDepths returns current channel fill levels for monitoring.
func (m *Manager) ChannelDepths() (logs, metrics, profiles int) {
	return len(m.logCh), len(m.metricCh), len(m.profileCh)
}
