// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// StdoutExporter prints telemetry to stdout for debugging.
type StdoutExporter struct {
	format string // "text" or "json"

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter. A nil w writes to
// os.Stdout.
func NewStdoutExporter(format string, w io.Writer) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if w == nil {
		w = os.Stdout
	}
	return &StdoutExporter{
		format: format,
		out:    w,
	}
}

// ExportLogs prints log records. Multi-line bodies such as profile
// records are printed whole under a single header line.
func (e *StdoutExporter) ExportLogs(ctx context.Context, logs []*LogRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range logs {
		if e.format == "json" {
			e.printJSON("log", map[string]interface{}{
				"timestamp":  l.Timestamp.Format(time.RFC3339Nano),
				"level":      l.Level,
				"body":       l.Body,
				"service":    l.ServiceName,
				"source":     l.Source,
				"attributes": l.Attributes,
			})
			continue
		}
		body := strings.TrimRight(l.Body, "\n")
		if strings.Contains(body, "\n") {
			fmt.Fprintf(e.out, "[LOG]  %-5s source=%s\n%s\n", l.Level, l.Source, body)
		} else {
			fmt.Fprintf(e.out, "[LOG]  %-5s source=%s %s\n", l.Level, l.Source, body)
		}
	}
	return nil
}

// ExportMetrics prints metrics.
func (e *StdoutExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range metrics {
		if e.format == "json" {
			e.printJSON("metric", map[string]interface{}{
				"name":      m.Name,
				"type":      metricTypeName(m.Type),
				"value":     m.Value,
				"unit":      m.Unit,
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"labels":    m.Labels,
			})
		} else {
			fmt.Fprintf(e.out,
				"[METRIC] %-40s %s %.4f %s %s\n",
				m.Name, metricTypeName(m.Type), m.Value, m.Unit,
				formatLabels(m.Labels),
			)
		}
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(typ string, data map[string]interface{}) {
	data["_type"] = typ
	b, _ := json.Marshal(data)
	fmt.Fprintf(e.out, "%s\n", b)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

func metricTypeName(t MetricType) string {
	switch t {
	case MetricGauge:
		return "gauge"
	case MetricCounter:
		return "counter"
	default:
		return "unknown"
	}
}
