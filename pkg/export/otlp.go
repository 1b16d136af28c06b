// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/mbeema/loopmon/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	scopeName    = "loopmon"
	scopeVersion = "0.1.0"
)

// Resource is the agent's identity as reported in OTLP resources.
type Resource struct {
	ServiceName    string
	ServiceVersion string
	DeploymentEnv  string
}

// resourceFor returns OTEL resource attributes for serviceName, falling back
// to the agent's own name.
func (ri Resource) resourceFor(serviceName string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	if serviceName == "" {
		serviceName = ri.ServiceName
	}

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}

	if ri.ServiceVersion != "" {
		attrs = append(attrs, strAttr("service.version", ri.ServiceVersion))
	}
	if ri.DeploymentEnv != "" {
		attrs = append(attrs, strAttr("deployment.environment", ri.DeploymentEnv))
	}

	return &resourcepb.Resource{Attributes: attrs}
}

func scope() *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
}

// logsRequest groups records by service so each gets its own ResourceLogs.
func (ri Resource) logsRequest(logs []*LogRecord) *collogspb.ExportLogsServiceRequest {
	grouped := make(map[string][]*logspb.LogRecord)
	for _, l := range logs {
		grouped[l.ServiceName] = append(grouped[l.ServiceName], convertLogRecord(l))
	}

	req := &collogspb.ExportLogsServiceRequest{}
	for _, name := range sortedKeys(grouped) {
		req.ResourceLogs = append(req.ResourceLogs, &logspb.ResourceLogs{
			Resource: ri.resourceFor(name),
			ScopeLogs: []*logspb.ScopeLogs{
				{Scope: scope(), LogRecords: grouped[name]},
			},
		})
	}
	return req
}

// metricsRequest groups metrics by service so each gets its own
// ResourceMetrics.
func (ri Resource) metricsRequest(metrics []*Metric) *colmetricspb.ExportMetricsServiceRequest {
	grouped := make(map[string][]*metricspb.Metric)
	for _, m := range metrics {
		if pm := convertMetric(m); pm != nil {
			grouped[m.ServiceName] = append(grouped[m.ServiceName], pm)
		}
	}

	req := &colmetricspb.ExportMetricsServiceRequest{}
	for _, name := range sortedKeys(grouped) {
		req.ResourceMetrics = append(req.ResourceMetrics, &metricspb.ResourceMetrics{
			Resource: ri.resourceFor(name),
			ScopeMetrics: []*metricspb.ScopeMetrics{
				{Scope: scope(), Metrics: grouped[name]},
			},
		})
	}
	return req
}

// OTLPExporter sends telemetry via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger   *zap.Logger
	res      Resource
	endpoint string
	headers  metadata.MD
	opts     []grpc.DialOption

	mu        sync.RWMutex
	conn      *grpc.ClientConn
	logSvc    collogspb.LogsServiceClient
	metricSvc colmetricspb.MetricsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, res Resource, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Enable gzip compression for gRPC (default: gzip)
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:   logger,
		res:      res,
		endpoint: cfg.Endpoint,
		headers:  metadata.New(cfg.Headers),
		opts:     opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	e.metricSvc = colmetricspb.NewMetricsServiceClient(conn)

	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

func (e *OTLPExporter) outgoing(ctx context.Context) context.Context {
	if len(e.headers) == 0 {
		return ctx
	}
	return metadata.NewOutgoingContext(ctx, e.headers)
}

// ExportLogs sends log records via OTLP gRPC.
func (e *OTLPExporter) ExportLogs(ctx context.Context, logs []*LogRecord) error {
	if len(logs) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(e.outgoing(ctx), e.res.logsRequest(logs))
	return err
}

// ExportMetrics sends metrics via OTLP gRPC.
func (e *OTLPExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	e.mu.RLock()
	svc := e.metricSvc
	e.mu.RUnlock()

	_, err := svc.Export(e.outgoing(ctx), e.res.metricsRequest(metrics))
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

// convertLogRecord converts a single LogRecord to its protobuf representation.
func convertLogRecord(l *LogRecord) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano: uint64(l.Timestamp.UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(l.Body)},
		},
		SeverityText:   l.Level,
		SeverityNumber: logspb.SeverityNumber(l.SeverityNumber),
	}

	if !l.ObservedTime.IsZero() {
		pl.ObservedTimeUnixNano = uint64(l.ObservedTime.UnixNano())
	}

	// Clone attributes to avoid mutating the input (shared between exporters)
	attrs := make(map[string]interface{}, len(l.Attributes)+1)
	for k, v := range l.Attributes {
		attrs[k] = v
	}
	if l.Source != "" {
		attrs["source"] = l.Source
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pl.Attributes = append(pl.Attributes, &commonpb.KeyValue{
			Key:   k,
			Value: toAnyValue(attrs[k]),
		})
	}

	return pl
}

func convertMetric(m *Metric) *metricspb.Metric {
	pm := &metricspb.Metric{
		Name:        m.Name,
		Description: m.Description,
		Unit:        m.Unit,
	}

	attrs := make([]*commonpb.KeyValue, 0, len(m.Labels))
	for k, v := range m.Labels {
		attrs = append(attrs, strAttr(k, v))
	}

	ts := uint64(m.Timestamp.UnixNano())

	switch m.Type {
	case MetricGauge:
		pm.Data = &metricspb.Metric_Gauge{
			Gauge: &metricspb.Gauge{
				DataPoints: []*metricspb.NumberDataPoint{
					{
						TimeUnixNano: ts,
						Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
						Attributes:   attrs,
					},
				},
			},
		}

	case MetricCounter:
		// StartTimeUnixNano for cumulative data points
		var startTs uint64
		if !m.StartTime.IsZero() {
			startTs = uint64(m.StartTime.UnixNano())
		}
		pm.Data = &metricspb.Metric_Sum{
			Sum: &metricspb.Sum{
				IsMonotonic:            true,
				AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				DataPoints: []*metricspb.NumberDataPoint{
					{
						StartTimeUnixNano: startTs,
						TimeUnixNano:      ts,
						Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
						Attributes:        attrs,
					},
				},
			},
		}

	default:
		return nil
	}

	return pm
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(value)}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. Function names and file paths from sampled stacks are not
// guaranteed to be valid UTF-8, and protobuf marshaling rejects them.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

func toAnyValue(v interface{}) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(val)}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case uint32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
